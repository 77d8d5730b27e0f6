package claim

import (
	"context"
	"testing"
	"time"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowed = map[[2]Status]bool{
	{StatusDraft, StatusReady}:            true,
	{StatusReady, StatusSubmitted}:        true,
	{StatusSubmitted, StatusAccepted}:     true,
	{StatusSubmitted, StatusRejected}:     true,
	{StatusSubmitted, StatusDenied}:       true,
	{StatusAccepted, StatusPartiallyPaid}: true,
	{StatusAccepted, StatusPaid}:          true,
	{StatusPartiallyPaid, StatusPaid}:     true,
}

func TestCanTransition_AllPairs(t *testing.T) {
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusRejected))
	assert.True(t, Terminal(StatusDenied))
	assert.True(t, Terminal(StatusPaid))
	assert.False(t, Terminal(StatusSubmitted))
	assert.False(t, Terminal(Status("UNKNOWN")))
}

func seedClaim(t *testing.T, store *MemoryStore, status Status) *Claim {
	t.Helper()
	c := FromReport(&Report{ID: "report-" + string(status), UserID: "user-1"}, time.Now())
	c.Status = status
	stored, err := store.UpsertByReport(context.Background(), c)
	require.NoError(t, err)
	return stored
}

func TestWorkflow_RejectsDisallowedWrites(t *testing.T) {
	ctx := context.Background()

	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if allowed[[2]Status{from, to}] {
				continue
			}
			store := NewMemoryStore()
			wf := NewWorkflow(store)
			c := seedClaim(t, store, from)

			err := wf.Transition(ctx, c, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, apperror.Is(err, apperror.KindValidation))

			stored, err := store.Get(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, from, stored.Status)
		}
	}

}

func TestWorkflow_TransitionPersists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := NewWorkflow(store)

	c := seedClaim(t, store, StatusDraft)
	require.NoError(t, wf.Transition(ctx, c, StatusReady))
	assert.Equal(t, StatusReady, c.Status)

	stored, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, stored.Status)
}

func TestWorkflow_AdvanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := NewWorkflow(store)
	c := seedClaim(t, store, StatusDraft)

	require.NoError(t, wf.Advance(ctx, c, StatusReady))
	require.NoError(t, wf.Advance(ctx, c, StatusReady))
	assert.Equal(t, StatusReady, c.Status)
}

func TestWorkflow_StaleClaimConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := NewWorkflow(store)
	c := seedClaim(t, store, StatusDraft)

	stale := c.Clone()
	require.NoError(t, wf.Transition(ctx, c, StatusReady))

	err := wf.Transition(ctx, stale, StatusReady)
	assert.ErrorIs(t, err, ErrConflict)
}

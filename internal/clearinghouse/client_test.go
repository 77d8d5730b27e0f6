package clearinghouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/claimflow/internal/claim"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestStub(opts ...Option) *Stub {
	return NewStub(append([]Option{WithRate(0, 0), WithClock(func() time.Time { return now })}, opts...)...)
}

func TestStub_SubmitIsIdempotent(t *testing.T) {
	s := newTestStub()
	ctx := context.Background()

	a, err := s.Submit(ctx, "CLM1", "edi/CLM1/000000001.x12", []byte("ISA"))
	require.NoError(t, err)
	b, err := s.Submit(ctx, "CLM1", "edi/CLM1/000000002.x12", []byte("ISA"))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "edi/CLM1/000000001.x12", b.FileKey)
	assert.Equal(t, StatusPending, a.Status)
}

func TestStub_SubmitRejectsEmpty(t *testing.T) {
	s := newTestStub()
	_, err := s.Submit(context.Background(), "CLM1", "k", nil)
	assert.Error(t, err)
	_, err = s.Submit(context.Background(), "", "k", []byte("ISA"))
	assert.Error(t, err)
}

func TestStub_StatusAfterPendingPolls(t *testing.T) {
	s := newTestStub(WithPendingPolls(2), WithOutcome(func(string) Status { return StatusDenied }))
	ctx := context.Background()

	sub, err := s.Submit(ctx, "CLM1", "k", []byte("ISA"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := s.Status(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	}
	got, err := s.Status(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)

	got, err = s.Status(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
}

func TestStub_StatusUnknown(t *testing.T) {
	_, err := newTestStub().Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSubmission)
}

func TestStub_CheckEligibility(t *testing.T) {
	s := newTestStub()
	ctx := context.Background()

	start := now.AddDate(-1, 0, 0)
	end := now.AddDate(0, -1, 0)

	res, err := s.CheckEligibility(ctx, &claim.InsurancePlan{IsActive: true, EffectiveDate: &start})
	require.NoError(t, err)
	assert.True(t, res.Eligible)

	res, err = s.CheckEligibility(ctx, &claim.InsurancePlan{IsActive: false, EffectiveDate: &start, TermDate: &end})
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Equal(t, []string{"Coverage is not active at payer", "Coverage has ended"}, res.Messages)

	res, err = s.CheckEligibility(ctx, nil)
	require.NoError(t, err)
	assert.False(t, res.Eligible)
}

func TestStub_RateLimitHonoursContext(t *testing.T) {
	s := NewStub(WithRate(0.001, 1))
	ctx := context.Background()

	_, err := s.CheckEligibility(ctx, &claim.InsurancePlan{IsActive: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = s.CheckEligibility(ctx, &claim.InsurancePlan{IsActive: true})
	assert.Error(t, err)
}

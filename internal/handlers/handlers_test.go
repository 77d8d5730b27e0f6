package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/clearinghouse"
	"github.com/podushkina/claimflow/internal/edi"
	"github.com/podushkina/claimflow/internal/filestore"
	"github.com/podushkina/claimflow/internal/queue"
	"github.com/podushkina/claimflow/internal/retry"
	"github.com/podushkina/claimflow/internal/scheduler"
	"github.com/podushkina/claimflow/internal/task"
)

var now = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type env struct {
	claims *claim.MemoryStore
	files  *filestore.MemoryStore
	stub   *clearinghouse.Stub
	queue  *queue.Queue
	h      *Handlers
	sched  *scheduler.Scheduler
}

func setupTest(t *testing.T, opts ...clearinghouse.Option) *env {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	e := &env{
		claims: claim.NewMemoryStore(),
		files:  filestore.NewMemoryStore(),
		stub: clearinghouse.NewStub(append([]clearinghouse.Option{
			clearinghouse.WithRate(0, 0),
			clearinghouse.WithClock(clock),
		}, opts...)...),
		queue: q,
	}
	e.h = New(Deps{
		Claims:        e.claims,
		Generator:     edi.NewGenerator(edi.DefaultSender(), q.Sequence("edi"), edi.WithClock(clock)),
		Files:         e.files,
		Clearinghouse: e.stub,
		Tasks:         q,
		Logger:        zerolog.Nop(),
		Now:           clock,
	})

	e.sched, err = scheduler.New(q, e.h.Table(),
		scheduler.WithClock(clock),
		scheduler.WithPollInterval(time.Hour),
		scheduler.WithRetryPolicy(retry.Policy{Initial: time.Minute, Max: time.Hour, Multiplier: 2}),
	)
	require.NoError(t, err)

	effective := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.claims.PutReport(&claim.Report{
		ID:     "report-1",
		UserID: "user-1",
		Plan: &claim.InsurancePlan{
			PayerID:       "60054",
			PayerName:     "Aetna",
			MemberID:      "W123456789",
			GroupNumber:   "GRP001",
			PlanType:      claim.PlanPPO,
			EffectiveDate: &effective,
			IsPrimary:     true,
			IsActive:      true,
		},
		Lines: []claim.Line{
			{CPTCode: "99213", ICD10Codes: []string{"E11.9"}, Charge: 150, Units: 1, ServiceDate: now.AddDate(0, 0, -3)},
			{CPTCode: "83036", ICD10Codes: []string{"E11.9", "R73.09"}, Charge: 45.5, Units: 1, ServiceDate: now.AddDate(0, 0, -3)},
		},
	})
	e.claims.PutSubscriber(&claim.Subscriber{ID: "user-1", FirstName: "Jane", LastName: "Doe", Gender: "F"})
	return e
}

func (e *env) task(t *testing.T, typ task.Type, entityID string) *task.Task {
	tsk, err := task.New(task.Params{Type: typ, EntityID: entityID, EntityType: task.EntityClaim}, now)
	require.NoError(t, err)
	return tsk
}

func decode(t *testing.T, raw json.RawMessage) StageResult {
	var r StageResult
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

// pendingOf returns the single PENDING task of type typ.
func (e *env) pendingOf(t *testing.T, typ task.Type) *task.Task {
	all, err := e.queue.List(context.Background(), 0)
	require.NoError(t, err)
	var found []*task.Task
	for _, tsk := range all {
		if tsk.Type == typ && tsk.Status == task.StatusPending {
			found = append(found, tsk)
		}
	}
	require.Len(t, found, 1, "pending %s tasks", typ)
	return found[0]
}

func (e *env) process(t *testing.T, id string) *task.Task {
	ctx := context.Background()
	require.NoError(t, e.sched.ProcessQueue(ctx))
	got, err := e.sched.GetTaskByID(ctx, id)
	require.NoError(t, err)
	return got
}

func TestPipeline_EndToEnd(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()
	e.sched.Start(ctx)
	defer e.sched.Stop()

	id, err := e.sched.CreateTask(ctx, task.TypeCreateClaim, "report-1", task.EntityReport, task.PriorityCreateClaim, 0)
	require.NoError(t, err)

	created := e.process(t, id)
	require.Equal(t, task.StatusCompleted, created.Status)
	claimID := decode(t, created.Result).ClaimID

	c, err := e.claims.Get(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDraft, c.Status)
	assert.InDelta(t, 195.5, c.TotalCharge, 0.001)

	elig := e.pendingOf(t, task.TypeCheckEligibility)
	assert.Equal(t, task.PriorityCheckEligibility, elig.Priority)
	assert.Equal(t, claimID, elig.EntityID)
	assert.Equal(t, task.StatusCompleted, e.process(t, elig.ID).Status)

	gen := e.pendingOf(t, task.TypeGenerateEDI)
	assert.Equal(t, task.PriorityGenerateEDI, gen.Priority)
	assert.Equal(t, task.StatusCompleted, e.process(t, gen.ID).Status)

	c, err = e.claims.Get(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusReady, c.Status)
	require.NotEmpty(t, c.EDIFileLocation)
	assert.True(t, strings.HasPrefix(c.EDIFileLocation, "edi/"+c.ClaimNumber+"/"))

	content, err := e.files.Get(ctx, c.EDIFileLocation)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "ISA*"))

	submit := e.pendingOf(t, task.TypeSubmitClaim)
	assert.Equal(t, task.PrioritySubmitClaim, submit.Priority)
	assert.Equal(t, task.StatusCompleted, e.process(t, submit.ID).Status)

	c, err = e.claims.Get(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, c.Status)
	assert.NotEmpty(t, c.SubmissionID)

	status := e.pendingOf(t, task.TypeCheckStatus)
	assert.Equal(t, task.PriorityCheckStatus, status.Priority)
	done := e.process(t, status.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, clearinghouse.StatusAccepted, decode(t, done.Result).ClearinghouseState)

	c, err = e.claims.Get(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusAccepted, c.Status)
}

func TestCreateClaim_Idempotent(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()
	src := e.task(t, task.TypeCreateClaim, "report-1")

	first, err := e.h.CreateClaim(ctx, src)
	require.NoError(t, err)
	second, err := e.h.CreateClaim(ctx, src)
	require.NoError(t, err)

	a, b := decode(t, first), decode(t, second)
	assert.Equal(t, a.ClaimID, b.ClaimID)
	assert.Equal(t, a.ClaimNumber, b.ClaimNumber)
	assert.Equal(t, a.NextTaskID, b.NextTaskID)
}

func TestCreateClaim_MissingReport(t *testing.T) {
	e := setupTest(t)
	_, err := e.h.CreateClaim(context.Background(), e.task(t, task.TypeCreateClaim, "report-404"))
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
	assert.True(t, apperror.Retryable(err))
}

func createClaim(t *testing.T, e *env) string {
	raw, err := e.h.CreateClaim(context.Background(), e.task(t, task.TypeCreateClaim, "report-1"))
	require.NoError(t, err)
	return decode(t, raw).ClaimID
}

func TestCheckEligibility_RuleFailures(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()

	r, err := e.claims.GetReport(ctx, "report-1")
	require.NoError(t, err)
	r.Plan.PayerID = ""
	r.Plan.MemberID = ""
	e.claims.PutReport(r)

	claimID := createClaim(t, e)
	_, err = e.h.CheckEligibility(ctx, e.task(t, task.TypeCheckEligibility, claimID))
	require.True(t, apperror.Is(err, apperror.KindEligibility))
	assert.Contains(t, apperror.DetailsOf(err), "Payer ID is required")
	assert.Contains(t, apperror.DetailsOf(err), "Member ID is required")

	c, err := e.claims.Get(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDraft, c.Status)
}

func TestCheckEligibility_PayerSaysNo(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()

	r, err := e.claims.GetReport(ctx, "report-1")
	require.NoError(t, err)
	term := now.AddDate(0, 0, -1)
	r.Plan.TermDate = &term
	e.claims.PutReport(r)

	claimID := createClaim(t, e)
	_, err = e.h.CheckEligibility(ctx, e.task(t, task.TypeCheckEligibility, claimID))
	require.True(t, apperror.Is(err, apperror.KindEligibility))
	assert.Equal(t, []string{"Coverage has ended"}, apperror.DetailsOf(err))
}

func TestGenerateEDI_RequiresEligibility(t *testing.T) {
	e := setupTest(t)
	claimID := createClaim(t, e)

	_, err := e.h.GenerateEDI(context.Background(), e.task(t, task.TypeGenerateEDI, claimID))
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestGenerateEDI_Idempotent(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()
	claimID := createClaim(t, e)
	_, err := e.h.CheckEligibility(ctx, e.task(t, task.TypeCheckEligibility, claimID))
	require.NoError(t, err)

	src := e.task(t, task.TypeGenerateEDI, claimID)
	first, err := e.h.GenerateEDI(ctx, src)
	require.NoError(t, err)
	second, err := e.h.GenerateEDI(ctx, src)
	require.NoError(t, err)

	a, b := decode(t, first), decode(t, second)
	assert.Equal(t, a.EDIFileLocation, b.EDIFileLocation)
	assert.Equal(t, a.NextTaskID, b.NextTaskID)

	n, err := e.queue.Sequence("edi").Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one control number used")
}

func TestGenerateEDI_MissingSubscriber(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()

	r, err := e.claims.GetReport(ctx, "report-1")
	require.NoError(t, err)
	r.UserID = "user-unknown"
	e.claims.PutReport(r)

	claimID := createClaim(t, e)
	_, err = e.h.CheckEligibility(ctx, e.task(t, task.TypeCheckEligibility, claimID))
	require.NoError(t, err)

	_, err = e.h.GenerateEDI(ctx, e.task(t, task.TypeGenerateEDI, claimID))
	assert.True(t, apperror.Is(err, apperror.KindGeneration))
}

func readyToSubmit(t *testing.T, e *env) string {
	ctx := context.Background()
	claimID := createClaim(t, e)
	_, err := e.h.CheckEligibility(ctx, e.task(t, task.TypeCheckEligibility, claimID))
	require.NoError(t, err)
	_, err = e.h.GenerateEDI(ctx, e.task(t, task.TypeGenerateEDI, claimID))
	require.NoError(t, err)
	return claimID
}

func TestSubmitClaim_Idempotent(t *testing.T) {
	e := setupTest(t)
	ctx := context.Background()
	claimID := readyToSubmit(t, e)

	src := e.task(t, task.TypeSubmitClaim, claimID)
	first, err := e.h.SubmitClaim(ctx, src)
	require.NoError(t, err)
	second, err := e.h.SubmitClaim(ctx, src)
	require.NoError(t, err)

	a, b := decode(t, first), decode(t, second)
	assert.Equal(t, claim.StatusSubmitted, b.ClaimStatus)
	assert.Equal(t, a.SubmissionID, b.SubmissionID)
	assert.Equal(t, a.NextTaskID, b.NextTaskID)
}

func TestCheckStatus_PendingIsTransient(t *testing.T) {
	e := setupTest(t, clearinghouse.WithPendingPolls(1))
	ctx := context.Background()
	claimID := readyToSubmit(t, e)
	_, err := e.h.SubmitClaim(ctx, e.task(t, task.TypeSubmitClaim, claimID))
	require.NoError(t, err)

	src := e.task(t, task.TypeCheckStatus, claimID)
	_, err = e.h.CheckStatus(ctx, src)
	assert.True(t, apperror.Is(err, apperror.KindTransient))

	raw, err := e.h.CheckStatus(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusAccepted, decode(t, raw).ClaimStatus)
}

func TestCheckStatus_PaidWalksThroughAccepted(t *testing.T) {
	e := setupTest(t, clearinghouse.WithOutcome(func(string) clearinghouse.Status { return clearinghouse.StatusPaid }))
	ctx := context.Background()
	claimID := readyToSubmit(t, e)
	_, err := e.h.SubmitClaim(ctx, e.task(t, task.TypeSubmitClaim, claimID))
	require.NoError(t, err)

	src := e.task(t, task.TypeCheckStatus, claimID)
	raw, err := e.h.CheckStatus(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, decode(t, raw).ClaimStatus)

	raw, err = e.h.CheckStatus(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, decode(t, raw).ClaimStatus)
}

func TestCheckStatus_Denied(t *testing.T) {
	e := setupTest(t, clearinghouse.WithOutcome(func(string) clearinghouse.Status { return clearinghouse.StatusDenied }))
	ctx := context.Background()
	claimID := readyToSubmit(t, e)
	_, err := e.h.SubmitClaim(ctx, e.task(t, task.TypeSubmitClaim, claimID))
	require.NoError(t, err)

	raw, err := e.h.CheckStatus(ctx, e.task(t, task.TypeCheckStatus, claimID))
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDenied, decode(t, raw).ClaimStatus)
}

func TestCheckStatus_NotSubmitted(t *testing.T) {
	e := setupTest(t)
	claimID := createClaim(t, e)
	_, err := e.h.CheckStatus(context.Background(), e.task(t, task.TypeCheckStatus, claimID))
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

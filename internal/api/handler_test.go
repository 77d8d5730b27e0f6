package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/queue"
	"github.com/podushkina/claimflow/internal/scheduler"
	"github.com/podushkina/claimflow/internal/task"
)

func noop(context.Context, *task.Task) (json.RawMessage, error) { return nil, nil }

type testServer struct {
	router *chi.Mux
	claims *claim.MemoryStore
	mr     *miniredis.Miniredis
}

func setupTest(t *testing.T) *testServer {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	s, err := scheduler.New(q, scheduler.Handlers{
		CreateClaim:      noop,
		CheckEligibility: noop,
		GenerateEDI:      noop,
		SubmitClaim:      noop,
		CheckStatus:      noop,
	})
	require.NoError(t, err)

	claims := claim.NewMemoryStore()
	return &testServer{
		router: NewRouter(NewHandler(s, claims, q, zerolog.Nop())),
		claims: claims,
		mr:     mr,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decodeTask(t *testing.T, rr *httptest.ResponseRecorder) task.Task {
	var tsk task.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tsk))
	return tsk
}

func TestCreateTask(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "POST", "/tasks", map[string]any{
		"type":      "GENERATE_EDI",
		"entity_id": "claim-1",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	got := decodeTask(t, rr)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, task.TypeGenerateEDI, got.Type)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, task.PriorityGenerateEDI, got.Priority)
	assert.Equal(t, task.EntityClaim, got.EntityType)
	assert.Equal(t, task.DefaultMaxAttempts, got.MaxAttempts)
}

func TestCreateTask_ExplicitPriority(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "POST", "/tasks", map[string]any{
		"type":         "CREATE_CLAIM",
		"entity_id":    "report-1",
		"priority":     9,
		"max_attempts": 5,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	got := decodeTask(t, rr)
	assert.Equal(t, 9, got.Priority)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, task.EntityReport, got.EntityType)
}

func TestCreateTask_Invalid(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "POST", "/tasks", map[string]any{"type": "PRINT_CLAIM", "entity_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Kind)

	req, _ := http.NewRequest("POST", "/tasks", bytes.NewBufferString("{"))
	rr = httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetTask(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "GET", "/tasks/non-existent-id", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	created := decodeTask(t, ts.do(t, "POST", "/tasks", map[string]any{"type": "SUBMIT_CLAIM", "entity_id": "claim-1"}))
	rr = ts.do(t, "GET", "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created.ID, decodeTask(t, rr).ID)
}

func TestListTasks(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "GET", "/tasks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	for _, id := range []string{"claim-1", "claim-2", "claim-3"} {
		ts.do(t, "POST", "/tasks", map[string]any{"type": "CHECK_STATUS", "entity_id": id})
	}

	rr = ts.do(t, "GET", "/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tasks []task.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)

	rr = ts.do(t, "GET", "/tasks?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateTask(t *testing.T) {
	ts := setupTest(t)
	created := decodeTask(t, ts.do(t, "POST", "/tasks", map[string]any{"type": "SUBMIT_CLAIM", "entity_id": "claim-1"}))

	rr := ts.do(t, "PATCH", "/tasks/"+created.ID, map[string]any{"status": "PROCESSING"})
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeTask(t, rr)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.NotNil(t, got.LeaseExpiresAt)

	rr = ts.do(t, "PATCH", "/tasks/"+created.ID, map[string]any{"status": "DONE"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "PATCH", "/tasks/missing", map[string]any{"status": "PENDING"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRetryTask(t *testing.T) {
	ts := setupTest(t)
	created := decodeTask(t, ts.do(t, "POST", "/tasks", map[string]any{"type": "SUBMIT_CLAIM", "entity_id": "claim-1"}))

	rr := ts.do(t, "POST", "/tasks/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "only FAILED tasks can be retried")

	rr = ts.do(t, "PATCH", "/tasks/"+created.ID, map[string]any{"status": "FAILED"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, "PATCH", "/tasks/"+created.ID, map[string]any{"status": "PENDING"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "FAILED leaves only through retry")

	rr = ts.do(t, "POST", "/tasks/"+created.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeTask(t, rr)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestReportReady_Deduplicates(t *testing.T) {
	ts := setupTest(t)

	first := ts.do(t, "POST", "/events/report-ready", map[string]any{"report_id": "report-7"})
	require.Equal(t, http.StatusAccepted, first.Code)
	second := ts.do(t, "POST", "/events/report-ready", map[string]any{"report_id": "report-7"})
	require.Equal(t, http.StatusAccepted, second.Code)

	a, b := decodeTask(t, first), decodeTask(t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, task.TypeCreateClaim, a.Type)
	assert.Equal(t, task.PriorityCreateClaim, a.Priority)
	assert.Equal(t, "report-7", a.EntityID)

	rr := ts.do(t, "POST", "/events/report-ready", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetClaim(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "GET", "/claims/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	c, err := ts.claims.UpsertByReport(context.Background(), claim.FromReport(&claim.Report{
		ID:     "report-1",
		UserID: "user-1",
		Lines:  []claim.Line{{CPTCode: "99213", Charge: 120, Units: 1, ServiceDate: time.Now()}},
	}, time.Now()))
	require.NoError(t, err)

	rr = ts.do(t, "GET", "/claims/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got claim.Claim
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, c.ClaimNumber, got.ClaimNumber)
	assert.Equal(t, claim.StatusDraft, got.Status)
}

func TestHealthCheck(t *testing.T) {
	ts := setupTest(t)

	rr := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	ts.mr.Close()
	rr = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLogger_WritesRequestLine(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/tasks", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request", line["message"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/tasks", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
}

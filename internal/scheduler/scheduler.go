// Package scheduler drives tasks through their handlers: it polls the store
// for due work, dispatches each task to the handler for its type and applies
// the retry policy to failures.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/podushkina/claimflow/internal/apperror"
	"github.com/podushkina/claimflow/internal/retry"
	"github.com/podushkina/claimflow/internal/task"
)

const instrumentationName = "github.com/podushkina/claimflow/internal/scheduler"

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 10
	DefaultLeaseTimeout = 5 * time.Minute
)

// Store persists tasks. Acquire, Reclaim and ReleaseLease must be atomic:
// exactly one caller observes true for a given task, and the winner's write
// lands together with the index change.
type Store interface {
	Enqueue(ctx context.Context, t *task.Task) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	Due(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)
	Acquire(ctx context.Context, t *task.Task) (bool, error)
	Expired(ctx context.Context, now time.Time) ([]*task.Task, error)
	Reclaim(ctx context.Context, t *task.Task) (bool, error)
	ReleaseLease(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, limit int) ([]*task.Task, error)
}

// Handler runs one task. The returned payload is stored as the task result.
type Handler func(ctx context.Context, t *task.Task) (json.RawMessage, error)

// Handlers is the dispatch table, one handler per task type.
type Handlers struct {
	CreateClaim      Handler
	CheckEligibility Handler
	GenerateEDI      Handler
	SubmitClaim      Handler
	CheckStatus      Handler
}

func (h Handlers) validate() error {
	for _, typ := range task.Types() {
		if h.lookup(typ) == nil {
			return fmt.Errorf("no handler for task type %s", typ)
		}
	}
	return nil
}

func (h Handlers) lookup(typ task.Type) Handler {
	switch typ {
	case task.TypeCreateClaim:
		return h.CreateClaim
	case task.TypeCheckEligibility:
		return h.CheckEligibility
	case task.TypeGenerateEDI:
		return h.GenerateEDI
	case task.TypeSubmitClaim:
		return h.SubmitClaim
	case task.TypeCheckStatus:
		return h.CheckStatus
	}
	return nil
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLeaseTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseTimeout = d
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scheduler) { s.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) { s.tracerProvider = tp }
}

type Scheduler struct {
	store    Store
	handlers Handlers

	log          zerolog.Logger
	now          func() time.Time
	pollInterval time.Duration
	batchSize    int
	leaseTimeout time.Duration
	policy       retry.Policy

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	processed      metric.Int64Counter
	duration       metric.Float64Histogram

	running atomic.Bool
	batch   sync.Mutex

	loop sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(store Store, handlers Handlers, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if err := handlers.validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	s := &Scheduler{
		store:        store,
		handlers:     handlers,
		log:          zerolog.Nop(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		leaseTimeout: DefaultLeaseTimeout,
		policy:       retry.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}
	s.tracer = s.tracerProvider.Tracer(instrumentationName)

	meter := s.meterProvider.Meter(instrumentationName)
	var err error
	s.processed, err = meter.Int64Counter("claimflow.tasks.processed",
		metric.WithDescription("Tasks run by the scheduler, by type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create counter: %w", err)
	}
	s.duration, err = meter.Float64Histogram("claimflow.task.duration",
		metric.WithDescription("Handler run time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create histogram: %w", err)
	}

	return s, nil
}

// Enqueue validates p and stores a new PENDING task due now. A task whose
// dedupe key is already taken resolves to the existing task.
func (s *Scheduler) Enqueue(ctx context.Context, p task.Params) (*task.Task, error) {
	t, err := task.New(p, s.now())
	if err != nil {
		return nil, apperror.Validation("create task", "%s", err.Error())
	}
	stored, err := s.store.Enqueue(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}
	if stored.ID == t.ID {
		s.log.Debug().
			Str("task_id", t.ID).
			Str("type", string(t.Type)).
			Str("entity_id", t.EntityID).
			Int("priority", t.Priority).
			Msg("task enqueued")
	}
	return stored, nil
}

// CreateTask inserts a PENDING task and returns its ID. A maxAttempts of 0
// selects the default.
func (s *Scheduler) CreateTask(ctx context.Context, typ task.Type, entityID, entityType string, priority, maxAttempts int) (string, error) {
	t, err := s.Enqueue(ctx, task.Params{
		Type:        typ,
		EntityID:    entityID,
		EntityType:  entityType,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Start enables processing and polls every poll interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop.Lock()
	defer s.loop.Unlock()

	if s.stop != nil {
		return
	}
	s.running.Store(true)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stop, s.done)
	s.log.Info().Dur("poll_interval", s.pollInterval).Int("batch_size", s.batchSize).Msg("scheduler started")
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.ProcessQueue(ctx); err != nil {
				s.log.Error().Err(err).Msg("process queue")
			}
		}
	}
}

// Stop disables processing and waits for the batch in flight. Running
// handlers are not interrupted.
func (s *Scheduler) Stop() {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.running.Store(false)
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil

	// wait for a batch started outside the loop
	s.batch.Lock()
	s.batch.Unlock()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// ProcessQueue reclaims expired leases and runs up to one batch of due
// tasks in dispatch order. It is a no-op while the scheduler is stopped.
// Calls are serialized.
func (s *Scheduler) ProcessQueue(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.batch.Lock()
	defer s.batch.Unlock()

	if _, err := s.ReclaimExpired(ctx); err != nil {
		s.log.Warn().Err(err).Msg("reclaim expired leases")
	}

	tasks, err := s.store.Due(ctx, s.now(), s.batchSize)
	if err != nil {
		return fmt.Errorf("select due tasks: %w", err)
	}

	for _, t := range tasks {
		if !s.running.Load() {
			break
		}
		if err := s.ProcessTask(ctx, t); err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Msg("process task")
		}
	}
	return nil
}

// ProcessTask acquires t, runs its handler and records the outcome. A task
// another worker acquired first is skipped.
func (s *Scheduler) ProcessTask(ctx context.Context, t *task.Task) error {
	if t.Status != task.StatusPending {
		return nil
	}
	start := s.now()
	lease := start.Add(s.leaseTimeout)
	claimed := *t
	claimed.Status = task.StatusProcessing
	claimed.LeaseExpiresAt = &lease
	claimed.UpdatedAt = start

	ok, err := s.store.Acquire(ctx, &claimed)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	*t = claimed

	log := s.log.With().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("entity_id", t.EntityID).
		Int("attempt", t.Attempts+1).
		Logger()
	log.Debug().Msg("processing task")

	ctx, span := s.tracer.Start(ctx, "task "+string(t.Type), trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("task.entity_id", t.EntityID),
		attribute.Int("task.attempt", t.Attempts+1),
	))
	defer span.End()

	began := time.Now()
	result, runErr := s.invoke(ctx, t)
	s.duration.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(attribute.String("type", string(t.Type))))

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if err := s.handleFailure(ctx, t, runErr); err != nil {
			return err
		}
		s.record(ctx, t)
		return nil
	}

	now := s.now()
	t.Status = task.StatusCompleted
	t.Result = result
	t.Error = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	if err := s.store.Save(ctx, t); err != nil {
		return fmt.Errorf("complete task %s: %w", t.ID, err)
	}
	s.record(ctx, t)
	log.Info().Msg("task completed")
	return nil
}

// invoke runs the handler for t, turning panics into transient errors.
func (s *Scheduler) invoke(ctx context.Context, t *task.Task) (result json.RawMessage, err error) {
	h := s.handlers.lookup(t.Type)
	if h == nil {
		return nil, apperror.Validation("dispatch", "unknown task type %q", t.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperror.Transient("run handler", fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, t)
}

func (s *Scheduler) record(ctx context.Context, t *task.Task) {
	outcome := "completed"
	switch t.Status {
	case task.StatusFailed:
		outcome = "failed"
	case task.StatusPending:
		outcome = "retried"
	}
	s.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(t.Type)),
		attribute.String("outcome", outcome),
	))
}

// HandleTaskFailure records cause against the task and either reschedules
// it with backoff or fails it for good.
func (s *Scheduler) HandleTaskFailure(ctx context.Context, id string, cause error) (*task.Task, error) {
	t, err := s.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, apperror.Validation("handle failure", "task %s is %s", id, t.Status)
	}
	if err := s.handleFailure(ctx, t, cause); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) handleFailure(ctx context.Context, t *task.Task, cause error) error {
	kind, cause := s.fail(t, cause)
	if err := s.store.Save(ctx, t); err != nil {
		return fmt.Errorf("record failure of task %s: %w", t.ID, err)
	}
	s.logFailure(t, kind, cause)
	return nil
}

// fail applies the outcome of a failed attempt to t: retry later, or FAILED
// when the error is final or the attempts are used up.
func (s *Scheduler) fail(t *task.Task, cause error) (apperror.Kind, error) {
	now := s.now()
	kind := apperror.KindOf(cause)
	details := apperror.DetailsOf(cause)

	t.Attempts++
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now

	switch {
	case !apperror.Retryable(cause):
		t.Status = task.StatusFailed
	case retry.Exhausted(t.Attempts, t.MaxAttempts):
		cause = apperror.Terminal(cause, t.Attempts)
		kind = apperror.KindTerminal
		t.Status = task.StatusFailed
	default:
		t.Status = task.StatusPending
		t.ScheduledFor = s.policy.NextRun(now, t.Attempts)
	}
	t.Error = &task.Failure{
		Kind:    string(kind),
		Message: cause.Error(),
		Details: details,
		At:      now,
	}
	return kind, cause
}

func (s *Scheduler) logFailure(t *task.Task, kind apperror.Kind, cause error) {
	evt := s.log.Warn()
	if t.Status == task.StatusFailed {
		evt = s.log.Error()
	}
	evt.Err(cause).
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("kind", string(kind)).
		Int("attempts", t.Attempts).
		Int("max_attempts", t.MaxAttempts).
		Str("status", string(t.Status)).
		Time("scheduled_for", t.ScheduledFor).
		Msg("task failed")
}

// ReclaimExpired fails PROCESSING tasks whose lease ran out, so a task held
// by a crashed worker is retried. It returns the number reclaimed.
func (s *Scheduler) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := s.store.Expired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range expired {
		if t.Status != task.StatusProcessing {
			// stale index entry
			if _, err := s.store.ReleaseLease(ctx, t.ID); err != nil {
				return n, err
			}
			continue
		}
		kind, cause := s.fail(t, apperror.Transient("lease", errors.New("lease expired")))
		ok, err := s.store.Reclaim(ctx, t)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		s.logFailure(t, kind, cause)
		s.record(ctx, t)
		n++
	}
	return n, nil
}

func (s *Scheduler) GetTaskByID(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperror.NotFound("get task", "task %s not found", id)
	}
	return t, nil
}

// UpdateTaskStatus sets the status of a task directly. FAILED tasks only
// leave FAILED through RetryTask.
func (s *Scheduler) UpdateTaskStatus(ctx context.Context, id string, status task.Status) (*task.Task, error) {
	if !status.Valid() {
		return nil, apperror.Validation("update task", "invalid status %q", status)
	}
	t, err := s.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusFailed && status != task.StatusFailed {
		return nil, apperror.Validation("update task", "task %s is FAILED; retry it instead", id)
	}

	now := s.now()
	t.Status = status
	t.UpdatedAt = now
	t.LeaseExpiresAt = nil
	if status == task.StatusProcessing {
		lease := now.Add(s.leaseTimeout)
		t.LeaseExpiresAt = &lease
	}
	if err := s.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return t, nil
}

// RetryTask returns a FAILED task to PENDING with a fresh attempt budget.
func (s *Scheduler) RetryTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.GetTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed {
		return nil, apperror.Validation("retry task", "task %s is %s, only FAILED tasks can be retried", id, t.Status)
	}

	now := s.now()
	t.Status = task.StatusPending
	t.Attempts = 0
	t.ScheduledFor = now
	t.UpdatedAt = now
	if err := s.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("retry task %s: %w", id, err)
	}
	s.log.Info().Str("task_id", id).Str("type", string(t.Type)).Msg("task retried")
	return t, nil
}

func (s *Scheduler) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.store.List(ctx, limit)
}

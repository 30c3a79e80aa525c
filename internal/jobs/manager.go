// Package jobs accepts task submissions and runs one chain per job in the
// background, exposing status and results to concurrent callers.
package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/devchain/internal/chain"
	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/logging"
)

const (
	defaultMaxConcurrent = 4
	defaultReapInterval  = time.Minute
)

// Runner executes one job's chain. *chain.Chain implements it.
type Runner interface {
	Run(ctx context.Context, req chain.Request, progress chain.ProgressCallback) (*chain.Result, error)
}

// Manager owns the job registry. Each job is mutated only by its own run
// goroutine, except that Cancel may finish a job that never started.
type Manager struct {
	runner    Runner
	cfg       config.JobsConfig
	logger    *logging.Logger
	publisher Publisher
	sem       *semaphore.Weighted

	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type entry struct {
	job         Job
	cancel      context.CancelFunc
	cancelAsked bool
	done        chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPublisher publishes status transitions to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// NewManager creates a manager and starts its retention reaper when
// cfg.Retention is set. Call Shutdown to stop it.
func NewManager(runner Runner, cfg config.JobsConfig, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		runner: runner,
		cfg:    cfg,
		logger: logging.NewNop(),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		stop:   stop,
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.Retention > 0 {
		interval := cfg.ReapInterval.Duration()
		if interval <= 0 {
			interval = defaultReapInterval
		}
		m.wg.Add(1)
		go m.reapLoop(interval)
	}
	return m
}

// Submit registers task as a pending job and schedules it. It returns
// without waiting for the job to run.
func (m *Manager) Submit(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	name := strings.TrimSpace(task.Name)
	if name == "" {
		name = defaultName
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		job: Job{
			ID:        id,
			Name:      name,
			Task:      task.Description,
			MaxTurns:  task.MaxTurns,
			Model:     task.Model,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
			Completed: []string{},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrShutdown
	}
	m.jobs[id] = e
	m.wg.Add(1)
	ev := eventOf(&e.job)
	m.mu.Unlock()

	JobsActive.WithLabelValues(string(StatusPending)).Inc()
	ctx = logging.WithJobID(ctx, id)
	m.logger.Info(ctx, "job submitted", zap.String("name", name), zap.Int("max_turns", task.MaxTurns), zap.String("model", task.Model))
	m.publish(ctx, ev)

	go m.run(jobCtx, id)
	return id, nil
}

func (m *Manager) run(ctx context.Context, id string) {
	defer m.wg.Done()
	ctx = logging.WithJobID(ctx, id)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, id, nil, err)
		return
	}
	defer m.sem.Release(1)

	req, ok := m.start(ctx, id)
	if !ok {
		return
	}
	res, err := m.runner.Run(ctx, req, func(p chain.PhaseProgress) {
		m.progress(ctx, id, p)
	})
	m.finish(ctx, id, res, err)
}

// start moves a pending job to running. It reports false when the job was
// cancelled while waiting for a slot.
func (m *Manager) start(ctx context.Context, id string) (chain.Request, bool) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status != StatusPending {
		m.mu.Unlock()
		return chain.Request{}, false
	}
	ev, err := m.markRunning(e)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error(ctx, "job state corrupted", zap.Error(err))
		return chain.Request{}, false
	}
	req := chain.Request{JobID: id, Name: e.job.Name, Task: e.job.Task, MaxTurns: e.job.MaxTurns, Model: e.job.Model}
	m.mu.Unlock()

	m.logger.Info(ctx, "job started")
	m.publish(ctx, ev)
	return req, true
}

// markRunning applies pending → running. m.mu must be held.
func (m *Manager) markRunning(e *entry) (Event, error) {
	if err := checkTransition(e.job.Status, StatusRunning); err != nil {
		return Event{}, err
	}
	now := time.Now().UTC()
	e.job.Status = StatusRunning
	e.job.StartedAt = &now
	JobsActive.WithLabelValues(string(StatusPending)).Dec()
	JobsActive.WithLabelValues(string(StatusRunning)).Inc()
	return eventOf(&e.job), nil
}

func (m *Manager) progress(ctx context.Context, id string, p chain.PhaseProgress) {
	m.mu.Lock()
	if e, ok := m.jobs[id]; ok {
		switch p.Status {
		case chain.PhaseStarted:
			e.job.Phase = p.Phase
			e.job.PhaseIndex = p.Index
			e.job.PhaseTotal = p.Total
		case chain.PhaseCompleted:
			e.job.Completed = append(e.job.Completed, p.Phase)
		}
	}
	m.mu.Unlock()

	m.logger.Debug(ctx, "phase progress",
		zap.String("phase", p.Phase),
		zap.String("status", string(p.Status)),
		zap.Int("index", p.Index),
		zap.Int("total", p.Total))
}

// finish records the outcome of a run. A job whose context was cancelled
// ends cancelled unless the chain had already succeeded.
func (m *Manager) finish(ctx context.Context, id string, res *chain.Result, err error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	// A job stopped while still queued never reached the runner; it still
	// passes through running so every job follows the same lifecycle.
	from := e.job.Status
	var events []Event
	if from == StatusPending {
		ev, rerr := m.markRunning(e)
		if rerr != nil {
			m.mu.Unlock()
			m.logger.Error(ctx, "job state corrupted", zap.Error(rerr))
			return
		}
		events = append(events, ev)
	}

	var to Status
	var jobErr *JobError
	switch {
	case err == nil:
		to = StatusSucceeded
	case e.cancelAsked || ctx.Err() != nil:
		to = StatusCancelled
	default:
		to = StatusFailed
		jobErr = newJobError(id, err)
	}
	if terr := m.terminate(e, to, res, jobErr); terr != nil {
		m.mu.Unlock()
		m.logger.Error(ctx, "job state corrupted", zap.Error(terr))
		return
	}
	events = append(events, eventOf(&e.job))
	m.mu.Unlock()

	fields := []zap.Field{zap.String("status", string(to)), zap.String("from", string(from))}
	if jobErr != nil {
		fields = append(fields, zap.String("phase", jobErr.Phase), zap.String("cause", jobErr.Cause))
		m.logger.Warn(ctx, "job finished", fields...)
	} else {
		m.logger.Info(ctx, "job finished", fields...)
	}
	for _, ev := range events {
		m.publish(ctx, ev)
	}
}

// terminate applies a terminal transition. m.mu must be held.
func (m *Manager) terminate(e *entry, to Status, res *chain.Result, jobErr *JobError) error {
	from := e.job.Status
	if err := checkTransition(from, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.job.Status = to
	e.job.FinishedAt = &now
	e.job.Result = newResult(res)
	e.job.Error = jobErr
	e.cancel()
	close(e.done)

	JobsActive.WithLabelValues(string(from)).Dec()
	JobsFinished.WithLabelValues(string(to)).Inc()
	if e.job.StartedAt != nil {
		JobDuration.WithLabelValues(string(to)).Observe(now.Sub(*e.job.StartedAt).Seconds())
	}
	return nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job.clone(), nil
}

// GetStatus returns the job's current status.
func (m *Manager) GetStatus(id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return e.job.Status, nil
}

// GetResult returns the artifact bundle of a finished job. Failed jobs
// return their partial result with a *JobError; cancelled jobs return theirs
// with ErrCancelled. Unfinished jobs return ErrNotTerminal.
func (m *Manager) GetResult(id string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch e.job.Status {
	case StatusSucceeded:
		return e.job.Result.clone(), nil
	case StatusFailed:
		jobErr := *e.job.Error
		return e.job.Result.clone(), &jobErr
	case StatusCancelled:
		return e.job.Result.clone(), ErrCancelled
	default:
		return nil, ErrNotTerminal
	}
}

// Cancel stops a job. A pending job is moved through running to cancelled
// at once and its chain never starts; a running job is signalled and
// becomes cancelled when its chain reaches the next checkpoint.
// Cancelling a finished job is a no-op. The returned snapshot reflects the
// state right after the request.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	ctx = logging.WithJobID(ctx, id)

	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrNotFound
	}
	from := e.job.Status
	var events []Event
	switch from {
	case StatusPending:
		ev, err := m.markRunning(e)
		if err == nil {
			events = append(events, ev)
			err = m.terminate(e, StatusCancelled, nil, nil)
		}
		if err != nil {
			m.mu.Unlock()
			return Job{}, err
		}
		events = append(events, eventOf(&e.job))
	case StatusRunning:
		e.cancelAsked = true
		e.cancel()
	}
	snap := e.job.clone()
	m.mu.Unlock()

	if from.Terminal() {
		return snap, nil
	}
	m.logger.Info(ctx, "job cancel requested", zap.String("from", string(from)))
	for _, ev := range events {
		m.publish(ctx, ev)
	}
	return snap, nil
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.job.clone(), nil
}

// List returns snapshots ordered by creation time, optionally filtered by
// status. An empty status matches every job.
func (m *Manager) List(status Status) []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		if status == "" || e.job.Status == status {
			out = append(out, e.job.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a finished job from the registry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !e.job.Status.Terminal() {
		return ErrNotTerminal
	}
	delete(m.jobs, id)
	return nil
}

// Shutdown rejects new submissions, cancels every unfinished job and waits
// for their goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info(ctx, "job manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reapLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.reap(time.Now()); n > 0 {
				m.logger.Debug(m.ctx, "expired jobs removed", zap.Int("count", n))
			}
		}
	}
}

// reap removes terminal jobs that finished more than the retention ago.
func (m *Manager) reap(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention.Duration())
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.jobs {
		if e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		EventPublishFailures.Inc()
		m.logger.Warn(ctx, "job event not published", zap.String("status", string(ev.Status)), zap.Error(err))
	}
}

func eventOf(j *Job) Event {
	at := j.CreatedAt
	switch {
	case j.FinishedAt != nil:
		at = *j.FinishedAt
	case j.StartedAt != nil:
		at = *j.StartedAt
	}
	return Event{JobID: j.ID, Name: j.Name, Status: j.Status, Phase: j.Phase, At: at}
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

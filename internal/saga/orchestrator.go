package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/identity"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent bounds how many sagas execute at once; further starts
	// queue behind the worker pool.
	MaxConcurrent int `yaml:"max_concurrent"`

	// StepTimeout bounds each forward or compensating action. Expiry is
	// treated exactly like a step failure.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// StreamBuffer is the per-subscriber transition channel depth. A
	// consumer that falls this far behind is disconnected and must
	// resubscribe for a fresh replay.
	StreamBuffer int `yaml:"stream_buffer"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		StepTimeout:   30 * time.Second,
		StreamBuffer:  256,
	}
}

// Hooks are optional observation points; nil fields are skipped.
type Hooks struct {
	SagaStarted  func(workflow Workflow)
	SagaFinished func(workflow Workflow, status Status, elapsed time.Duration)
	Step         func(step string, status StepStatus, elapsed time.Duration)

	// Persist receives an execution snapshot when a saga registers and
	// again at every terminal status, for durable record keeping.
	Persist func(exec Execution)
}

// StartRequest describes one saga to run. Steps are built by the workflow
// layer after payload validation and the compliance gate have passed.
type StartRequest struct {
	Workflow       Workflow
	PortfolioID    string
	Agent          identity.AgentIdentity
	IdempotencyKey string
	Steps          []Step
}

type subscriber struct {
	ch chan Transition
}

// run is the orchestrator's private record of one saga.
type run struct {
	mu           sync.Mutex
	exec         Execution
	steps        []Step
	currentIndex int
	cancelAsked  bool
	transitions  []Transition
	subs         map[int]*subscriber
	nextSubID    int
}

// Orchestrator drives saga execution. Independent sagas run concurrently
// through a bounded worker pool; sagas touching the same portfolio are
// serialized by a per-portfolio lock held for the saga's full duration.
type Orchestrator struct {
	cfg   Config
	audit audit.Recorder
	idem  IdempotencyStore
	hooks Hooks

	mu   sync.RWMutex
	runs map[string]*run

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds an orchestrator. The idempotency store may be nil, which
// disables key matching.
func New(cfg Config, recorder audit.Recorder, idem IdempotencyStore, hooks Hooks) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultConfig().StreamBuffer
	}
	return &Orchestrator{
		cfg:   cfg,
		audit: recorder,
		idem:  idem,
		hooks: hooks,
		runs:  make(map[string]*run),
		locks: make(map[string]*sync.Mutex),
		sem:   make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start validates the step list, applies idempotency, registers the saga,
// and begins execution asynchronously. The returned snapshot is the saga's
// initial (pending) state unless an idempotency key matched, in which case
// it is the existing saga's current state.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (Execution, error) {
	pivotIndex, err := validateSteps(req.Steps)
	if err != nil {
		return Execution{}, err
	}

	if req.IdempotencyKey != "" && o.idem != nil {
		if existing, ok, err := o.lookupByKey(ctx, req.IdempotencyKey); err != nil {
			return Execution{}, fmt.Errorf("idempotency lookup: %w", err)
		} else if ok {
			return existing, nil
		}
	}

	states := make([]StepState, len(req.Steps))
	for i, step := range req.Steps {
		states[i] = StepState{Name: step.Name, Status: StepPending, IsPivot: step.Pivot}
	}
	r := &run{
		exec: Execution{
			ID:             "saga_" + uuid.New().String(),
			Workflow:       req.Workflow,
			PortfolioID:    req.PortfolioID,
			AgentID:        req.Agent.ID,
			Steps:          states,
			PivotIndex:     pivotIndex,
			Status:         StatusPending,
			CreatedAt:      time.Now().UTC(),
			IdempotencyKey: req.IdempotencyKey,
		},
		steps: req.Steps,
		subs:  make(map[int]*subscriber),
	}

	o.mu.Lock()
	o.runs[r.exec.ID] = r
	o.mu.Unlock()

	if req.IdempotencyKey != "" && o.idem != nil {
		if err := o.idem.Put(ctx, req.IdempotencyKey, r.exec.ID); err != nil {
			return Execution{}, fmt.Errorf("idempotency store: %w", err)
		}
	}

	o.record(audit.Event{
		AgentID:        req.Agent.ID,
		AgentAuthority: req.Agent.Authority,
		EventType:      audit.EventSagaStarted,
		SagaID:         r.exec.ID,
		ActionTaken:    fmt.Sprintf("started %s saga with %d steps", req.Workflow, len(req.Steps)),
		ReasoningTrace: fmt.Sprintf("pivot at ordinal %d (%s); portfolio %s", pivotIndex, req.Steps[pivotIndex].Name, req.PortfolioID),
	})
	if o.hooks.SagaStarted != nil {
		o.hooks.SagaStarted(req.Workflow)
	}

	snapshot := o.snapshot(r)
	if o.hooks.Persist != nil {
		o.hooks.Persist(snapshot)
	}

	o.wg.Add(1)
	go o.execute(r, req.Agent)

	return snapshot, nil
}

// lookupByKey resolves an idempotency key to an existing execution, unless
// that execution ended rolled_back or failed, which permits a fresh run.
func (o *Orchestrator) lookupByKey(ctx context.Context, key string) (Execution, bool, error) {
	sagaID, ok, err := o.idem.Get(ctx, key)
	if err != nil || !ok {
		return Execution{}, false, err
	}
	existing, err := o.Status(sagaID)
	if err != nil {
		return Execution{}, false, nil // key points at an evicted saga
	}
	if existing.Status == StatusRolledBack || existing.Status == StatusFailed {
		return Execution{}, false, nil
	}
	return existing, true, nil
}

// Status returns a read-only snapshot of the saga.
func (o *Orchestrator) Status(sagaID string) (Execution, error) {
	o.mu.RLock()
	r, ok := o.runs[sagaID]
	o.mu.RUnlock()
	if !ok {
		return Execution{}, &NotFoundError{SagaID: sagaID}
	}
	return o.snapshot(r), nil
}

// List returns snapshots of every known saga, newest first.
func (o *Orchestrator) List() []Execution {
	o.mu.RLock()
	snapshots := make([]Execution, 0, len(o.runs))
	for _, r := range o.runs {
		snapshots = append(snapshots, o.snapshot(r))
	}
	o.mu.RUnlock()
	for i := 0; i < len(snapshots); i++ {
		for j := i + 1; j < len(snapshots); j++ {
			if snapshots[j].CreatedAt.After(snapshots[i].CreatedAt) {
				snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
			}
		}
	}
	return snapshots
}

// Cancel requests cooperative cancellation. It is honored only while the
// current step ordinal is strictly before the pivot; the in-flight step is
// allowed to finish, then compensation proceeds as on failure. At or past
// the pivot the saga is forward-only and an IrrevocableStateError is
// returned.
func (o *Orchestrator) Cancel(sagaID string) (bool, error) {
	o.mu.RLock()
	r, ok := o.runs[sagaID]
	o.mu.RUnlock()
	if !ok {
		return false, &NotFoundError{SagaID: sagaID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status.Terminal() {
		return false, nil
	}
	if r.currentIndex >= r.exec.PivotIndex {
		step := r.steps[r.exec.PivotIndex].Name
		return false, &IrrevocableStateError{SagaID: sagaID, Step: step}
	}
	r.cancelAsked = true

	o.record(audit.Event{
		AgentID:     r.exec.AgentID,
		EventType:   audit.EventCancelRequested,
		SagaID:      sagaID,
		ActionTaken: "cancellation requested",
		ReasoningTrace: fmt.Sprintf(
			"current ordinal %d is before pivot %d; will stop at the next step boundary",
			r.currentIndex, r.exec.PivotIndex),
	})
	return true, nil
}

// Subscribe returns a replay of all transitions applied so far plus a live
// channel for subsequent ones. The channel is closed when the saga reaches
// a terminal state or the consumer falls too far behind.
func (o *Orchestrator) Subscribe(sagaID string) ([]Transition, <-chan Transition, func(), error) {
	o.mu.RLock()
	r, ok := o.runs[sagaID]
	o.mu.RUnlock()
	if !ok {
		return nil, nil, nil, &NotFoundError{SagaID: sagaID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replay := append([]Transition(nil), r.transitions...)

	ch := make(chan Transition, o.cfg.StreamBuffer)
	if r.exec.Status.Terminal() {
		close(ch)
		return replay, ch, func() {}, nil
	}

	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = &subscriber{ch: ch}

	unsubscribe := func() {
		r.mu.Lock()
		if sub, live := r.subs[id]; live {
			delete(r.subs, id)
			close(sub.ch)
		}
		r.mu.Unlock()
	}
	return replay, ch, unsubscribe, nil
}

// Drain blocks until all in-flight sagas finish or the context expires.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errCancelled is the synthetic step error injected at a step boundary
// when a pre-pivot cancellation was requested.
var errCancelled = errors.New("cancelled by request")

// execute runs the saga to completion. It owns the per-portfolio lock for
// its entire duration so concurrent sagas cannot interleave trades against
// the same holdings.
func (o *Orchestrator) execute(r *run, agent identity.AgentIdentity) {
	defer o.wg.Done()

	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	lock := o.portfolioLock(r.exec.PortfolioID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	o.setSagaStatus(r, StatusRunning, "")

	failedIndex := -1
	var failure error
	for i := range r.steps {
		if o.cancelPending(r, i) {
			failedIndex = i
			failure = errCancelled
			break
		}

		if err := o.runForward(r, agent, i); err != nil {
			failedIndex = i
			failure = err
			break
		}
	}

	switch {
	case failedIndex < 0:
		o.setSagaStatus(r, StatusSuccess, "")
	case failedIndex <= r.exec.PivotIndex:
		// Irrevocability begins when the pivot succeeds. A failure of the
		// pivot itself committed nothing irreversible, so earlier steps
		// still unwind.
		o.compensate(r, agent, failedIndex, failure)
		o.setSagaStatus(r, StatusRolledBack, failure.Error())
	default:
		// The pivot already succeeded: earlier steps are irrevocably
		// committed, no compensation. Manual remediation required.
		o.record(audit.Event{
			AgentID:        agent.ID,
			AgentAuthority: agent.Authority,
			EventType:      audit.EventErrorOccurred,
			SagaID:         r.exec.ID,
			StepName:       r.steps[failedIndex].Name,
			ActionTaken:    "post-pivot failure, manual remediation required",
			ReasoningTrace: fmt.Sprintf("step ordinal %d is at or past pivot %d; no compensation attempted", failedIndex, r.exec.PivotIndex),
		})
		o.setSagaStatus(r, StatusFailed, failure.Error())
	}

	final := o.snapshot(r)
	log.Info().
		Str("saga_id", final.ID).
		Str("workflow", string(final.Workflow)).
		Str("status", string(final.Status)).
		Dur("elapsed", time.Since(started)).
		Msg("saga finished")
	if o.hooks.SagaFinished != nil {
		o.hooks.SagaFinished(final.Workflow, final.Status, time.Since(started))
	}
}

// cancelPending consumes a cancellation request at a step boundary. The
// step at this ordinal never runs and stays pending while earlier steps
// are compensated. Cancel only accepts requests while the current ordinal
// is before the pivot, so the request can surface at any boundary up to
// and including the pivot's own, but never after the pivot succeeded.
func (o *Orchestrator) cancelPending(r *run, ordinal int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelAsked && ordinal <= r.exec.PivotIndex
}

// runForward executes one step's forward action under the step timeout and
// applies the pending -> running -> {success|failed} transitions.
func (o *Orchestrator) runForward(r *run, agent identity.AgentIdentity, i int) error {
	step := r.steps[i]

	r.mu.Lock()
	r.currentIndex = i
	r.exec.Steps[i].Status = StepRunning
	o.publishLocked(r, Transition{
		StepName:   step.Name,
		StepStatus: StepRunning,
		SagaStatus: r.exec.Status,
		IsPivot:    step.Pivot,
	})
	r.mu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(withSagaID(context.Background(), r.exec.ID), o.cfg.StepTimeout)
	err := step.Forward(ctx)
	cancel()
	elapsed := time.Since(started)
	if o.hooks.Step != nil {
		status := StepSuccess
		if err != nil {
			status = StepFailed
		}
		o.hooks.Step(step.Name, status, elapsed)
	}

	if err != nil {
		failure := &StepExecutionFailure{Step: step.Name, Err: err}
		r.mu.Lock()
		r.exec.Steps[i].Status = StepFailed
		r.exec.Steps[i].Error = err.Error()
		o.publishLocked(r, Transition{
			StepName:   step.Name,
			StepStatus: StepFailed,
			SagaStatus: r.exec.Status,
			IsPivot:    step.Pivot,
			Error:      err.Error(),
		})
		r.mu.Unlock()
		o.record(audit.Event{
			AgentID:        agent.ID,
			AgentAuthority: agent.Authority,
			EventType:      audit.EventStepFailed,
			SagaID:         r.exec.ID,
			StepName:       step.Name,
			ActionTaken:    "forward action failed",
			ReasoningTrace: err.Error(),
		})
		return failure
	}

	r.mu.Lock()
	r.exec.Steps[i].Status = StepSuccess
	o.publishLocked(r, Transition{
		StepName:   step.Name,
		StepStatus: StepSuccess,
		SagaStatus: r.exec.Status,
		IsPivot:    step.Pivot,
	})
	r.mu.Unlock()
	o.record(audit.Event{
		AgentID:        agent.ID,
		AgentAuthority: agent.Authority,
		EventType:      audit.EventStepExecuted,
		SagaID:         r.exec.ID,
		StepName:       step.Name,
		ActionTaken:    "forward action completed",
		ReasoningTrace: fmt.Sprintf("ordinal %d of %d completed in %s", i+1, len(r.steps), elapsed.Round(time.Millisecond)),
	})
	return nil
}

// compensate unwinds successful steps in strictly reverse completion
// order. A compensation's own error is logged and audited but never
// retried, and never stops the remaining compensations.
func (o *Orchestrator) compensate(r *run, agent identity.AgentIdentity, failedIndex int, cause error) {
	o.record(audit.Event{
		AgentID:        agent.ID,
		AgentAuthority: agent.Authority,
		EventType:      audit.EventRollbackInitiated,
		SagaID:         r.exec.ID,
		ActionTaken:    fmt.Sprintf("rolling back %d completed steps", failedIndex),
		ReasoningTrace: fmt.Sprintf("failure at ordinal %d before pivot %d: %v", failedIndex, r.exec.PivotIndex, cause),
	})

	for j := failedIndex - 1; j >= 0; j-- {
		step := r.steps[j]

		var compErr error
		started := time.Now()
		if step.Compensate != nil {
			ctx, cancel := context.WithTimeout(withSagaID(context.Background(), r.exec.ID), o.cfg.StepTimeout)
			compErr = step.Compensate(ctx)
			cancel()
		}
		if o.hooks.Step != nil {
			o.hooks.Step(step.Name, StepCompensated, time.Since(started))
		}

		r.mu.Lock()
		r.exec.Steps[j].Status = StepCompensated
		if compErr != nil {
			r.exec.Steps[j].Error = compErr.Error()
		}
		o.publishLocked(r, Transition{
			StepName:   step.Name,
			StepStatus: StepCompensated,
			SagaStatus: r.exec.Status,
			IsPivot:    step.Pivot,
		})
		r.mu.Unlock()

		trace := "compensating action completed"
		if compErr != nil {
			trace = "compensating action reported a soft error (not retried): " + compErr.Error()
			log.Error().
				Str("saga_id", r.exec.ID).
				Str("step", step.Name).
				Err(compErr).
				Msg("compensation soft error")
		}
		o.record(audit.Event{
			AgentID:        agent.ID,
			AgentAuthority: agent.Authority,
			EventType:      audit.EventStepCompensated,
			SagaID:         r.exec.ID,
			StepName:       step.Name,
			ActionTaken:    "compensated",
			ReasoningTrace: trace,
		})
	}

	o.record(audit.Event{
		AgentID:        agent.ID,
		AgentAuthority: agent.Authority,
		EventType:      audit.EventRollbackCompleted,
		SagaID:         r.exec.ID,
		ActionTaken:    "rollback completed",
		ReasoningTrace: "all pre-failure steps compensated in reverse completion order",
	})
}

func (o *Orchestrator) setSagaStatus(r *run, status Status, errMsg string) {
	r.mu.Lock()
	r.exec.Status = status
	r.exec.Error = errMsg
	if status.Terminal() {
		now := time.Now().UTC()
		r.exec.CompletedAt = &now
	}
	o.publishLocked(r, Transition{SagaStatus: status, Error: errMsg})
	if status.Terminal() {
		for id, sub := range r.subs {
			close(sub.ch)
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()

	if status.Terminal() {
		eventType := audit.EventSagaCompleted
		o.record(audit.Event{
			AgentID:     r.exec.AgentID,
			EventType:   eventType,
			SagaID:      r.exec.ID,
			ActionTaken: "saga reached terminal status " + string(status),
			ReasoningTrace: func() string {
				if errMsg != "" {
					return errMsg
				}
				return "all steps completed"
			}(),
		})
		if o.hooks.Persist != nil {
			o.hooks.Persist(o.snapshot(r))
		}
	}
}

// publishLocked appends a transition and fans it out. Callers must hold
// r.mu. A subscriber whose buffer is full is disconnected rather than
// allowed to reorder or block the saga.
func (o *Orchestrator) publishLocked(r *run, tr Transition) {
	tr.SagaID = r.exec.ID
	tr.Seq = len(r.transitions)
	tr.At = time.Now().UTC()
	r.transitions = append(r.transitions, tr)

	for id, sub := range r.subs {
		select {
		case sub.ch <- tr:
		default:
			close(sub.ch)
			delete(r.subs, id)
		}
	}
}

func (o *Orchestrator) snapshot(r *run) Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.exec
	snapshot.Steps = append([]StepState(nil), r.exec.Steps...)
	return snapshot
}

func (o *Orchestrator) portfolioLock(portfolioID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.locks[portfolioID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[portfolioID] = lock
	}
	return lock
}

// record writes an audit event, logging rather than failing the saga if
// the sink errors. No error path is silent.
func (o *Orchestrator) record(event audit.Event) {
	if _, err := o.audit.Record(context.Background(), event); err != nil {
		log.Error().Err(err).Str("saga_id", event.SagaID).Msg("audit record failed")
	}
}

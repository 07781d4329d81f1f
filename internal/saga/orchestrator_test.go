package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/identity"
)

type stepTrace struct {
	mu    sync.Mutex
	calls []string
}

func (t *stepTrace) add(label string) {
	t.mu.Lock()
	t.calls = append(t.calls, label)
	t.mu.Unlock()
}

func (t *stepTrace) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// buildSteps makes n steps with the pivot at pivotIndex; failAt < 0 means
// no failure. Forward and compensation calls are recorded on the trace.
func buildSteps(n, pivotIndex, failAt int, trace *stepTrace) []Step {
	steps := make([]Step, n)
	for i := 0; i < n; i++ {
		i := i
		steps[i] = Step{
			Name:  fmt.Sprintf("Step%d", i),
			Pivot: i == pivotIndex,
			Forward: func(context.Context) error {
				trace.add(fmt.Sprintf("fwd:%d", i))
				if i == failAt {
					return errors.New("boom")
				}
				return nil
			},
			Compensate: func(context.Context) error {
				trace.add(fmt.Sprintf("comp:%d", i))
				return nil
			},
		}
	}
	return steps
}

func testAgent() identity.AgentIdentity {
	return identity.AgentIdentity{ID: "agent:test:1", Authority: identity.AuthorityTradeMedium}
}

func newTestOrchestrator() (*Orchestrator, *audit.MemoryRecorder) {
	recorder := audit.NewMemoryRecorder()
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	return New(cfg, recorder, NewMemoryIdempotencyStore(), Hooks{}), recorder
}

func startAndWait(t *testing.T, o *Orchestrator, req StartRequest) Execution {
	t.Helper()
	exec, err := o.Start(context.Background(), req)
	require.NoError(t, err)
	waitTerminal(t, o, exec.ID)
	final, err := o.Status(exec.ID)
	require.NoError(t, err)
	return final
}

func waitTerminal(t *testing.T, o *Orchestrator, sagaID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		exec, err := o.Status(sagaID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("saga %s did not terminate (status %s)", sagaID, exec.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAllStepsSucceed(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	final := startAndWait(t, o, StartRequest{
		Workflow:    WorkflowRebalance,
		PortfolioID: "pf-1",
		Agent:       testAgent(),
		Steps:       buildSteps(4, 3, -1, trace),
	})

	assert.Equal(t, StatusSuccess, final.Status)
	for _, s := range final.Steps {
		assert.Equal(t, StepSuccess, s.Status)
	}
	assert.Equal(t, []string{"fwd:0", "fwd:1", "fwd:2", "fwd:3"}, trace.get())
	require.NotNil(t, final.CompletedAt)
}

func TestPrePivotFailureCompensatesInReverseOrder(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	// 5 steps, pivot at 3, failure at 2: steps 0 and 1 compensate in
	// reverse, step 2 fails, steps 3 and 4 never run.
	final := startAndWait(t, o, StartRequest{
		Workflow:    WorkflowHarvest,
		PortfolioID: "pf-1",
		Agent:       testAgent(),
		Steps:       buildSteps(5, 3, 2, trace),
	})

	assert.Equal(t, StatusRolledBack, final.Status)
	assert.Equal(t, StepCompensated, final.Steps[0].Status)
	assert.Equal(t, StepCompensated, final.Steps[1].Status)
	assert.Equal(t, StepFailed, final.Steps[2].Status)
	assert.Equal(t, StepPending, final.Steps[3].Status)
	assert.Equal(t, StepPending, final.Steps[4].Status)
	assert.Equal(t, []string{"fwd:0", "fwd:1", "fwd:2", "comp:1", "comp:0"}, trace.get())
}

func TestPivotFailureStillRollsBack(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	// The pivot itself failing committed nothing irreversible, so the
	// earlier steps unwind as usual.
	final := startAndWait(t, o, StartRequest{
		Workflow:    WorkflowRebalance,
		PortfolioID: "pf-1",
		Agent:       testAgent(),
		Steps:       buildSteps(4, 3, 3, trace),
	})

	assert.Equal(t, StatusRolledBack, final.Status)
	assert.Equal(t, StepFailed, final.Steps[3].Status)
	for i := 0; i < 3; i++ {
		assert.Equal(t, StepCompensated, final.Steps[i].Status)
	}
	assert.Equal(t, []string{"fwd:0", "fwd:1", "fwd:2", "fwd:3", "comp:2", "comp:1", "comp:0"}, trace.get())
}

func TestPostPivotFailureDoesNotUnwindPivot(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	// Pivot at 3 succeeds; step 4 fails. Nothing is compensated.
	final := startAndWait(t, o, StartRequest{
		Workflow:    WorkflowHarvest,
		PortfolioID: "pf-1",
		Agent:       testAgent(),
		Steps:       buildSteps(5, 3, 4, trace),
	})

	assert.Equal(t, StatusFailed, final.Status)
	for i := 0; i < 4; i++ {
		assert.Equal(t, StepSuccess, final.Steps[i].Status)
	}
	assert.Equal(t, StepFailed, final.Steps[4].Status)
	for _, call := range trace.get() {
		assert.NotContains(t, call, "comp:")
	}
}

func TestStepTimeoutIsAFailure(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	cfg := DefaultConfig()
	cfg.StepTimeout = 30 * time.Millisecond
	o := New(cfg, recorder, nil, Hooks{})

	steps := []Step{
		{Name: "Fast", Forward: func(context.Context) error { return nil }, Compensate: func(context.Context) error { return nil }},
		{Name: "Slow", Forward: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "Pivot", Pivot: true, Forward: func(context.Context) error { return nil }},
	}

	final := startAndWait(t, o, StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(), Steps: steps,
	})

	assert.Equal(t, StatusRolledBack, final.Status)
	assert.Equal(t, StepCompensated, final.Steps[0].Status)
	assert.Equal(t, StepFailed, final.Steps[1].Status)
}

func TestCompensationSoftErrorDoesNotStopRollback(t *testing.T) {
	o, recorder := newTestOrchestrator()
	trace := &stepTrace{}

	steps := buildSteps(4, 3, 2, trace)
	steps[1].Compensate = func(context.Context) error {
		trace.add("comp:1")
		return errors.New("buyback partially filled")
	}

	final := startAndWait(t, o, StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(), Steps: steps,
	})

	assert.Equal(t, StatusRolledBack, final.Status)
	assert.Equal(t, StepCompensated, final.Steps[0].Status)
	assert.Equal(t, StepCompensated, final.Steps[1].Status)
	assert.Equal(t, []string{"fwd:0", "fwd:1", "fwd:2", "comp:1", "comp:0"}, trace.get())

	events, err := recorder.Query(context.Background(), audit.Filter{SagaID: final.ID})
	require.NoError(t, err)
	var softErrorAudited bool
	for _, e := range events {
		if e.EventType == audit.EventStepCompensated && e.StepName == "Step1" {
			softErrorAudited = assert.Contains(t, e.ReasoningTrace, "soft error")
		}
	}
	assert.True(t, softErrorAudited)
}

func TestIdempotencyKeyReturnsExistingSaga(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	req := StartRequest{
		Workflow:       WorkflowRebalance,
		PortfolioID:    "pf-1",
		Agent:          testAgent(),
		IdempotencyKey: "key-123",
		Steps:          buildSteps(4, 3, -1, trace),
	}

	first, err := o.Start(context.Background(), req)
	require.NoError(t, err)
	waitTerminal(t, o, first.ID)

	second, err := o.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, trace.get(), 4, "steps must not run twice")
}

func TestIdempotencyKeyAllowsRetryAfterRollback(t *testing.T) {
	o, _ := newTestOrchestrator()

	failing := StartRequest{
		Workflow:       WorkflowRebalance,
		PortfolioID:    "pf-1",
		Agent:          testAgent(),
		IdempotencyKey: "key-retry",
		Steps:          buildSteps(4, 3, 1, &stepTrace{}),
	}
	first, err := o.Start(context.Background(), failing)
	require.NoError(t, err)
	waitTerminal(t, o, first.ID)

	retry := failing
	retry.Steps = buildSteps(4, 3, -1, &stepTrace{})
	second, err := o.Start(context.Background(), retry)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "rolled_back saga must not satisfy the key")
	waitTerminal(t, o, second.ID)
}

func TestCancelBeforePivot(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	release := make(chan struct{})
	steps := buildSteps(4, 3, -1, trace)
	firstForward := steps[0].Forward
	steps[0].Forward = func(ctx context.Context) error {
		<-release // hold the saga inside step 0
		return firstForward(ctx)
	}

	exec, err := o.Start(context.Background(), StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(), Steps: steps,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := o.Status(exec.ID)
		return s.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := o.Cancel(exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	waitTerminal(t, o, exec.ID)

	final, err := o.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, final.Status)
	// The in-flight step finished, then was compensated.
	assert.Equal(t, StepCompensated, final.Steps[0].Status)
	assert.Equal(t, StepPending, final.Steps[1].Status)
}

func TestCancelAtOrPastPivotFails(t *testing.T) {
	o, _ := newTestOrchestrator()

	release := make(chan struct{})
	steps := []Step{
		{Name: "A", Forward: func(context.Context) error { return nil }, Compensate: func(context.Context) error { return nil }},
		{Name: "Pivot", Pivot: true, Forward: func(context.Context) error {
			<-release
			return nil
		}},
		{Name: "C", Forward: func(context.Context) error { return nil }},
	}

	exec, err := o.Start(context.Background(), StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(), Steps: steps,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := o.Status(exec.ID)
		return len(s.Steps) > 1 && s.Steps[1].Status == StepRunning
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := o.Cancel(exec.ID)
	assert.False(t, ok)
	var irrevocable *IrrevocableStateError
	require.ErrorAs(t, err, &irrevocable)

	close(release)
	waitTerminal(t, o, exec.ID)
	final, _ := o.Status(exec.ID)
	assert.Equal(t, StatusSuccess, final.Status)
}

func TestStatusUnknownSaga(t *testing.T) {
	o, _ := newTestOrchestrator()
	_, err := o.Status("saga_missing")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStepListValidation(t *testing.T) {
	o, _ := newTestOrchestrator()

	cases := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"no pivot", buildSteps(3, -1, -1, &stepTrace{})},
		{"duplicate names", func() []Step {
			s := buildSteps(3, 2, -1, &stepTrace{})
			s[1].Name = s[0].Name
			return s
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Start(context.Background(), StartRequest{
				Workflow: WorkflowRebalance, PortfolioID: "pf", Agent: testAgent(), Steps: tc.steps,
			})
			var cfgErr *ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestPerPortfolioSerialization(t *testing.T) {
	o, _ := newTestOrchestrator()

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	mkSteps := func() []Step {
		return []Step{
			{Name: "Only", Pivot: true, Forward: func(context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxSeen {
					maxSeen = inFlight
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			}},
		}
	}

	var ids []string
	for i := 0; i < 4; i++ {
		exec, err := o.Start(context.Background(), StartRequest{
			Workflow: WorkflowRebalance, PortfolioID: "pf-shared", Agent: testAgent(), Steps: mkSteps(),
		})
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}
	for _, id := range ids {
		waitTerminal(t, o, id)
	}

	assert.Equal(t, 1, maxSeen, "sagas on one portfolio must not interleave")
}

func TestStreamOrderAndNoDuplicates(t *testing.T) {
	o, _ := newTestOrchestrator()
	trace := &stepTrace{}

	release := make(chan struct{})
	steps := buildSteps(4, 3, -1, trace)
	gate := steps[0].Forward
	steps[0].Forward = func(ctx context.Context) error {
		<-release
		return gate(ctx)
	}

	exec, err := o.Start(context.Background(), StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(), Steps: steps,
	})
	require.NoError(t, err)

	replay, live, unsubscribe, err := o.Subscribe(exec.ID)
	require.NoError(t, err)
	defer unsubscribe()

	close(release)

	collected := append([]Transition(nil), replay...)
	for tr := range live {
		collected = append(collected, tr)
	}

	for i, tr := range collected {
		assert.Equal(t, i, tr.Seq, "transition %d out of order or duplicated", i)
	}
	last := collected[len(collected)-1]
	assert.Equal(t, StatusSuccess, last.SagaStatus)
}

func TestSubscribeAfterTerminalReplaysEverything(t *testing.T) {
	o, _ := newTestOrchestrator()
	final := startAndWait(t, o, StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(),
		Steps: buildSteps(4, 3, -1, &stepTrace{}),
	})

	replay, live, unsubscribe, err := o.Subscribe(final.ID)
	require.NoError(t, err)
	defer unsubscribe()

	_, open := <-live
	assert.False(t, open, "live channel for a terminal saga must be closed")
	// running + 4*(running,success) + terminal
	assert.NotEmpty(t, replay)
	assert.Equal(t, StatusSuccess, replay[len(replay)-1].SagaStatus)
}

func TestPersistHookSeesRegistrationAndTerminalState(t *testing.T) {
	var mu sync.Mutex
	var persisted []Execution

	recorder := audit.NewMemoryRecorder()
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	o := New(cfg, recorder, NewMemoryIdempotencyStore(), Hooks{
		Persist: func(exec Execution) {
			mu.Lock()
			persisted = append(persisted, exec)
			mu.Unlock()
		},
	})

	final := startAndWait(t, o, StartRequest{
		Workflow: WorkflowRebalance, PortfolioID: "pf-1", Agent: testAgent(),
		Steps: buildSteps(3, 2, -1, &stepTrace{}),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(persisted) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, final.ID, persisted[0].ID)
	assert.Equal(t, StatusPending, persisted[0].Status)
	assert.Equal(t, StatusSuccess, persisted[1].Status)
	require.NotNil(t, persisted[1].CompletedAt)
}

func TestStepHookObservesCompensations(t *testing.T) {
	var mu sync.Mutex
	observed := map[StepStatus][]string{}

	recorder := audit.NewMemoryRecorder()
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	o := New(cfg, recorder, NewMemoryIdempotencyStore(), Hooks{
		Step: func(step string, status StepStatus, _ time.Duration) {
			mu.Lock()
			observed[status] = append(observed[status], step)
			mu.Unlock()
		},
	})

	// Pivot at 3, failure at 2: steps 1 and 0 unwind in reverse, and the
	// hook must see each of them as compensated.
	final := startAndWait(t, o, StartRequest{
		Workflow: WorkflowHarvest, PortfolioID: "pf-1", Agent: testAgent(),
		Steps: buildSteps(5, 3, 2, &stepTrace{}),
	})
	require.Equal(t, StatusRolledBack, final.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Step0", "Step1"}, observed[StepSuccess])
	assert.Equal(t, []string{"Step2"}, observed[StepFailed])
	assert.Equal(t, []string{"Step1", "Step0"}, observed[StepCompensated])
}

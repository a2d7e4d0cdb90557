package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/graph"
	"github.com/artpar/podstack/internal/shell/runtime"
)

// =============================================================================
// Fake Runtime
// =============================================================================

// fakeRuntime records calls in order and fails or blocks on demand. Inspect
// responses play back a per-container script, repeating the last entry.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]error
	blockOn  map[string]chan struct{}
	states   map[string][]runtime.ContainerState
	inspects map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		failOn:   make(map[string]error),
		blockOn:  make(map[string]chan struct{}),
		states:   make(map[string][]runtime.ContainerState),
		inspects: make(map[string]int),
	}
}

func (f *fakeRuntime) record(ctx context.Context, op, name string) error {
	key := op + " " + name

	f.mu.Lock()
	f.calls = append(f.calls, key)
	block := f.blockOn[key]
	err := f.failOn[key]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRuntime) callIndex(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range f.calls {
		if call == key {
			return i
		}
	}
	return -1
}

func (f *fakeRuntime) called(key string) bool { return f.callIndex(key) >= 0 }

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) error {
	return f.record(ctx, "create", spec.Name)
}

func (f *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	return f.record(ctx, "start", name)
}

func (f *fakeRuntime) StopContainer(ctx context.Context, name string, _ time.Duration) error {
	return f.record(ctx, "stop", name)
}

func (f *fakeRuntime) RestartContainer(ctx context.Context, name string, _ time.Duration) error {
	return f.record(ctx, "restart", name)
}

func (f *fakeRuntime) KillContainer(ctx context.Context, name, _ string) error {
	return f.record(ctx, "kill", name)
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string, _ bool) error {
	return f.record(ctx, "rm", name)
}

func (f *fakeRuntime) PauseContainer(ctx context.Context, name string) error {
	return f.record(ctx, "pause", name)
}

func (f *fakeRuntime) UnpauseContainer(ctx context.Context, name string) error {
	return f.record(ctx, "unpause", name)
}

func (f *fakeRuntime) InspectContainer(_ context.Context, name string) (runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script := f.states[name]
	if len(script) == 0 {
		return runtime.ContainerState{Exists: true, Running: true}, nil
	}
	index := f.inspects[name]
	f.inspects[name]++
	if index >= len(script) {
		index = len(script) - 1
	}
	return script[index], nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string, _ *compose.Network) error {
	return f.record(ctx, "ensure-network", name)
}

func (f *fakeRuntime) EnsureVolume(ctx context.Context, name string, _ *compose.Volume) error {
	return f.record(ctx, "ensure-volume", name)
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return f.record(ctx, "network-rm", name)
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	return f.record(ctx, "volume-rm", name)
}

func (f *fakeRuntime) ContainerLogs(ctx context.Context, name string, _ bool, _ io.Writer) error {
	return f.record(ctx, "logs", name)
}

func (f *fakeRuntime) Events(context.Context, string, func(runtime.Event)) error {
	return nil
}

// =============================================================================
// Fixtures
// =============================================================================

// testGraph builds a graph for services with depends_on edges.
func testGraph(t *testing.T, services map[string]map[string]compose.Condition) *graph.Graph {
	t.Helper()
	p := &compose.Project{
		Name:     "test",
		Services: make(map[string]*compose.Service),
		Networks: make(map[string]*compose.Network),
		Volumes:  make(map[string]*compose.Volume),
		Secrets:  make(map[string]*compose.Secret),
		Configs:  make(map[string]*compose.Config),
	}
	for name, deps := range services {
		service := &compose.Service{Name: name, Image: name + ":latest"}
		if len(deps) > 0 {
			service.DependsOn = make(map[string]compose.Dependency)
			for dep, condition := range deps {
				service.DependsOn[dep] = compose.Dependency{Condition: condition}
			}
		}
		p.Services[name] = service
	}
	g, err := graph.Build(p)
	require.NoError(t, err)
	return g
}

func quietExecutor(rt runtime.Runtime) *Executor {
	config := DefaultConfig()
	config.PollInterval = time.Millisecond
	config.ReadyTimeout = time.Second
	return New(rt, config, slog.New(slog.DiscardHandler))
}

// chainGraph returns a -> b -> c.
func chainGraph(t *testing.T) *graph.Graph {
	return testGraph(t, map[string]map[string]compose.Condition{
		"a": {"b": compose.ConditionStarted},
		"b": {"c": compose.ConditionStarted},
		"c": nil,
	})
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_UpRunsDependenciesFirst(t *testing.T) {
	rt := newFakeRuntime()
	report, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), nil, Up(), nil)
	require.NoError(t, err)

	for _, service := range []string{"a", "b", "c"} {
		assert.Equal(t, StateCompleted, report.Results[service].State, service)
	}
	assert.Less(t, rt.callIndex("start test_c"), rt.callIndex("start test_b"))
	assert.Less(t, rt.callIndex("start test_b"), rt.callIndex("start test_a"))
	assert.Less(t, rt.callIndex("create test_c"), rt.callIndex("start test_c"))
}

func TestExecute_FailurePropagation(t *testing.T) {
	rt := newFakeRuntime()
	rt.failOn["start test_c"] = errors.New("image pull failed")

	report, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), nil, Up(), nil)
	require.NoError(t, err)

	assert.True(t, report.Failed())
	assert.Equal(t, StateFailed, report.Results["c"].State)
	assert.Contains(t, report.Results["c"].Reason, "image pull failed")

	// Dependents never reach the engine.
	assert.Equal(t, []string{"a", "b"}, report.Skipped())
	assert.Contains(t, report.Results["b"].Reason, "dependency c failed")
	assert.False(t, rt.called("create test_b"))
	assert.False(t, rt.called("create test_a"))
	assert.Equal(t, "failed", report.Outcome())
}

func TestExecute_SiblingsIndependentOfFailure(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"a": {"b": compose.ConditionStarted, "c": compose.ConditionStarted},
		"b": nil,
		"c": nil,
	})
	rt := newFakeRuntime()
	rt.failOn["start test_b"] = errors.New("boom")

	report, err := quietExecutor(rt).Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, report.Results["b"].State)
	assert.Equal(t, StateCompleted, report.Results["c"].State)
	assert.Equal(t, StateSkipped, report.Results["a"].State)
}

func TestExecute_HealthyGatePollsUntilHealthy(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"web": {"db": compose.ConditionHealthy},
		"db":  nil,
	})
	rt := newFakeRuntime()
	rt.states["test_db"] = []runtime.ContainerState{
		{Exists: true, Running: true, Health: runtime.HealthStarting},
		{Exists: true, Running: true, Health: runtime.HealthStarting},
		{Exists: true, Running: true, Health: runtime.HealthHealthy},
	}

	report, err := quietExecutor(rt).Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Results["web"].State)
	assert.GreaterOrEqual(t, rt.inspects["test_db"], 3)
	assert.Less(t, rt.callIndex("start test_db"), rt.callIndex("create test_web"))
}

func TestExecute_UnhealthyDependencySkipsDependent(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"web": {"db": compose.ConditionHealthy},
		"db":  nil,
	})
	rt := newFakeRuntime()
	rt.states["test_db"] = []runtime.ContainerState{
		{Exists: true, Running: true, Health: runtime.HealthUnhealthy},
	}

	report, err := quietExecutor(rt).Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Results["db"].State)
	assert.Equal(t, StateSkipped, report.Results["web"].State)
	assert.Contains(t, report.Results["web"].Reason, "unhealthy")
	assert.False(t, rt.called("create test_web"))
}

func TestExecute_CompletedSuccessfullyGate(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"app":     {"migrate": compose.ConditionCompletedSuccessfully},
		"migrate": nil,
	})
	rt := newFakeRuntime()
	rt.states["test_migrate"] = []runtime.ContainerState{
		{Exists: true, Running: true},
		{Exists: true, Running: false, ExitCode: 0},
	}

	report, err := quietExecutor(rt).Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.Results["app"].State)
}

func TestExecute_FailedOneShotSkipsDependent(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"app":     {"migrate": compose.ConditionCompletedSuccessfully},
		"migrate": nil,
	})
	rt := newFakeRuntime()
	rt.states["test_migrate"] = []runtime.ContainerState{
		{Exists: true, Running: false, ExitCode: 2},
	}

	report, err := quietExecutor(rt).Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)

	assert.Equal(t, StateSkipped, report.Results["app"].State)
	assert.Contains(t, report.Results["app"].Reason, "exited with code 2")
}

func TestExecute_CancellationSkipsUndispatched(t *testing.T) {
	rt := newFakeRuntime()
	block := make(chan struct{})
	rt.blockOn["start test_c"] = block

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let the first wave dispatch, then pull the plug.
		for !rt.called("start test_c") {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	defer close(block)

	report, err := quietExecutor(rt).Execute(ctx, chainGraph(t), nil, Up(), nil)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, "cancelled", report.Outcome())
	assert.Equal(t, StateSkipped, report.Results["a"].State)
	assert.Equal(t, StateSkipped, report.Results["b"].State)
	assert.False(t, rt.called("create test_b"))
	assert.False(t, rt.called("create test_a"))
}

func TestExecute_PreCancelledContextDispatchesNothing(t *testing.T) {
	rt := newFakeRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := quietExecutor(rt).Execute(ctx, chainGraph(t), nil, Up(), nil)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	for _, service := range []string{"a", "b", "c"} {
		assert.Equal(t, StateSkipped, report.Results[service].State, service)
	}
	assert.Empty(t, rt.calls, "no engine call may follow cancellation")
}

func TestExecute_IndependentServicesOverlap(t *testing.T) {
	g := testGraph(t, map[string]map[string]compose.Condition{
		"a": nil,
		"b": nil,
	})
	rt := &barrierRuntime{
		fakeRuntime: newFakeRuntime(),
		expect:      2,
		proceed:     make(chan struct{}),
	}

	// Each start blocks until both are in flight; serialized dispatch would
	// never release the barrier and the run would time out instead.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := quietExecutor(rt).Execute(ctx, g, nil, Up(), nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Results["a"].State)
	assert.Equal(t, StateCompleted, report.Results["b"].State)
}

// barrierRuntime holds every start until expect starts are in flight at once.
type barrierRuntime struct {
	*fakeRuntime
	mu      sync.Mutex
	arrived int
	expect  int
	proceed chan struct{}
}

func (b *barrierRuntime) StartContainer(ctx context.Context, name string) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.expect {
		close(b.proceed)
	}
	b.mu.Unlock()

	select {
	case <-b.proceed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.fakeRuntime.StartContainer(ctx, name)
}

func TestExecute_ReverseStopsDependentsFirst(t *testing.T) {
	rt := newFakeRuntime()
	report, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), nil, Stop(), nil)
	require.NoError(t, err)

	for _, service := range []string{"a", "b", "c"} {
		assert.Equal(t, StateCompleted, report.Results[service].State, service)
	}
	assert.Less(t, rt.callIndex("stop test_a"), rt.callIndex("stop test_b"))
	assert.Less(t, rt.callIndex("stop test_b"), rt.callIndex("stop test_c"))
}

func TestExecute_DownStopsThenRemoves(t *testing.T) {
	rt := newFakeRuntime()
	_, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), nil, Down(), nil)
	require.NoError(t, err)

	assert.Less(t, rt.callIndex("stop test_a"), rt.callIndex("rm test_a"))
	assert.Less(t, rt.callIndex("rm test_a"), rt.callIndex("stop test_b"))
}

func TestExecute_TargetsLimitForwardRun(t *testing.T) {
	rt := newFakeRuntime()
	report, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), []string{"b"}, Up(), nil)
	require.NoError(t, err)

	// b pulls in its dependency c, but never a.
	assert.Len(t, report.Results, 2)
	assert.False(t, rt.called("create test_a"))
	assert.True(t, rt.called("create test_b"))
	assert.True(t, rt.called("create test_c"))
}

func TestExecute_UnknownTarget(t *testing.T) {
	rt := newFakeRuntime()
	_, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), []string{"ghost"}, Up(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrDanglingReference)
}

func TestExecute_ReportMetadata(t *testing.T) {
	rt := newFakeRuntime()
	report, err := quietExecutor(rt).Execute(context.Background(), chainGraph(t), nil, Up(), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "up", report.Operation)
	assert.Equal(t, "test", report.Project)
	assert.Equal(t, [][]string{{"c"}, {"b"}, {"a"}}, report.Waves)
	assert.Equal(t, []string{"a", "b", "c"}, report.Services())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestExecute_ConcurrencyBounded(t *testing.T) {
	services := map[string]map[string]compose.Condition{}
	for i := 0; i < 10; i++ {
		services[fmt.Sprintf("s%d", i)] = nil
	}
	g := testGraph(t, services)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	rt := newFakeRuntime()

	config := DefaultConfig()
	config.MaxConcurrent = 2
	executor := New(&countingRuntime{fakeRuntime: rt, mu: &mu, inFlight: &inFlight, peak: &peak},
		config, slog.New(slog.DiscardHandler))

	_, err := executor.Execute(context.Background(), g, nil, Up(), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
}

// countingRuntime tracks how many operations run at once.
type countingRuntime struct {
	*fakeRuntime
	mu       *sync.Mutex
	inFlight *int
	peak     *int
}

func (c *countingRuntime) StartContainer(ctx context.Context, name string) error {
	c.mu.Lock()
	*c.inFlight++
	if *c.inFlight > *c.peak {
		*c.peak = *c.inFlight
	}
	c.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	err := c.fakeRuntime.StartContainer(ctx, name)

	c.mu.Lock()
	*c.inFlight--
	c.mu.Unlock()
	return err
}

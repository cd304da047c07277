package livemap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_RetriesUntilContainerHasLayout(t *testing.T) {
	surface := newFakeSurface(true)
	m, created := newTestManager(surface, fastRetry(5))
	c := &fakeContainer{sizes: [][2]int{{0, 0}, {0, 480}}, final: [2]int{640, 480}}

	h, err := m.Initialize(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, 3, c.pollCount())
	assert.Equal(t, 1, *created)
	assert.True(t, h.SupportsDensity())

	tiles, heats, markers := surface.counts()
	assert.Equal(t, 1, tiles)
	assert.Zero(t, heats)
	assert.Empty(t, markers)

	view, _ := surface.currentView()
	assert.Equal(t, DefaultView(), view)
	assert.Equal(t, "invalidate", surface.lastOp())
}

func TestInitialize_FailsAfterRetryBudget(t *testing.T) {
	surface := newFakeSurface(true)
	m, created := newTestManager(surface, fastRetry(4))
	c := &fakeContainer{}

	h, err := m.Initialize(context.Background(), c)
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 4, initErr.Attempts)
	assert.ErrorIs(t, err, ErrContainerNotReady)
	assert.Equal(t, StateInitFailed, h.State())
	assert.Equal(t, 4, c.pollCount())
	assert.Zero(t, *created, "surface must not be created for a zero-size container")

	assert.ErrorIs(t, m.Start(context.Background(), h, c), ErrTerminal)
	require.NoError(t, m.Teardown(h))
	assert.Equal(t, StateDisposed, h.State())
}

func TestInitialize_WaitsForLayoutSignal(t *testing.T) {
	surface := newFakeSurface(true)
	m, _ := newTestManager(surface, RetryPolicy{MaxAttempts: 3, Interval: time.Second, MaxInterval: time.Second})
	c := newSignalContainer()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Set(1024, 768)
	}()

	start := time.Now()
	h, err := m.Initialize(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, StateReady, h.State())
	assert.Less(t, time.Since(start), time.Second, "signal should beat the polling interval")
}

func TestInitialize_LayoutSignalBoundedByBudget(t *testing.T) {
	m, created := newTestManager(newFakeSurface(true), fastRetry(3))
	c := newSignalContainer()

	h, err := m.Initialize(context.Background(), c)
	assert.ErrorIs(t, err, ErrContainerNotReady)
	assert.Equal(t, StateInitFailed, h.State())
	assert.Zero(t, *created)
}

func TestInitialize_FactoryFailure(t *testing.T) {
	factory := func(Container, View) (Surface, error) { return nil, errors.New("no gl context") }
	m := NewManager(zerolog.Nop(), factory, ManagerOptions{Retry: fastRetry(2)}, nil)

	h, err := m.Initialize(context.Background(), &fakeContainer{final: [2]int{10, 10}})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, err.Error(), "no gl context")
	assert.Equal(t, StateInitFailed, h.State())
	assert.NoError(t, m.Teardown(h))
}

func TestTeardown_InterruptsPolling(t *testing.T) {
	surface := newFakeSurface(true)
	m, created := newTestManager(surface, RetryPolicy{MaxAttempts: 10, Interval: time.Hour, MaxInterval: time.Hour})
	h := NewHandle()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx, h, &fakeContainer{}) }()

	require.Eventually(t, func() bool { return h.State() == StateInitializing }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, m.Teardown(h))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after cancellation")
	}
	assert.Equal(t, StateDisposed, h.State())
	assert.Zero(t, *created)
	assert.ErrorIs(t, m.Start(context.Background(), h, &fakeContainer{final: [2]int{1, 1}}), ErrTerminal)
}

func TestStart_CancelledWithoutTeardownIsTerminal(t *testing.T) {
	surface := newFakeSurface(true)
	m, created := newTestManager(surface, RetryPolicy{MaxAttempts: 10, Interval: time.Hour, MaxInterval: time.Hour})
	h := NewHandle()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx, h, &fakeContainer{}) }()

	require.Eventually(t, func() bool { return h.State() == StateInitializing }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		var ie *InitError
		require.ErrorAs(t, err, &ie)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after cancellation")
	}
	assert.Equal(t, StateInitFailed, h.State())
	assert.Zero(t, *created)
	assert.ErrorIs(t, m.Start(context.Background(), h, &fakeContainer{final: [2]int{1, 1}}), ErrTerminal)

	require.NoError(t, m.Teardown(h))
	assert.Equal(t, StateDisposed, h.State())
}

func TestTeardown_DuringSurfaceCreationReleasesSurface(t *testing.T) {
	surface := newFakeSurface(true)
	h := NewHandle()
	var m *Manager
	factory := func(Container, View) (Surface, error) {
		// The owner unmounts while the engine is still being created.
		require.NoError(t, m.Teardown(h))
		return surface, nil
	}
	m = NewManager(zerolog.Nop(), factory, ManagerOptions{Retry: fastRetry(2)}, nil)

	err := m.Start(context.Background(), h, &fakeContainer{final: [2]int{10, 10}})
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, StateDisposed, h.State())
	assert.True(t, surface.removed)
}

func TestTeardown_ReleasesEverything(t *testing.T) {
	surface := newFakeSurface(true)
	m, h := readyHandle(t, surface)
	r := newTestRenderer(t)

	require.NoError(t, r.Render(h, scenarioReports()))
	require.NoError(t, m.Teardown(h))

	tiles, heats, markers := surface.counts()
	assert.Zero(t, tiles)
	assert.Zero(t, heats)
	assert.Empty(t, markers)
	assert.True(t, surface.removed)
	assert.Equal(t, StateDisposed, h.State())

	ops := surface.opCount()
	require.NoError(t, m.Teardown(h))
	assert.Equal(t, ops, surface.opCount(), "second teardown must not touch the surface")

	assert.ErrorIs(t, m.Resize(h), ErrNotReady)
	assert.ErrorIs(t, r.Render(h, scenarioReports()), ErrNotReady)
	assert.Equal(t, ops, surface.opCount())
}

func TestTeardown_NilAndUninitialized(t *testing.T) {
	m, _ := newTestManager(newFakeSurface(true), fastRetry(1))
	assert.NoError(t, m.Teardown(nil))

	h := NewHandle()
	assert.NoError(t, m.Teardown(h))
	assert.Equal(t, StateDisposed, h.State())
	assert.ErrorIs(t, m.Start(context.Background(), h, &fakeContainer{final: [2]int{1, 1}}), ErrTerminal)
}

func TestResize(t *testing.T) {
	surface := newFakeSurface(true)
	m, h := readyHandle(t, surface)

	before := surface.opCount()
	require.NoError(t, m.Resize(h))
	assert.Equal(t, before+1, surface.opCount())
	assert.Equal(t, "invalidate", surface.lastOp())

	assert.ErrorIs(t, m.Resize(NewHandle()), ErrNotReady)
	assert.ErrorIs(t, m.Resize(nil), ErrNotReady)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Interval: 100 * time.Millisecond, Multiplier: 2, MaxInterval: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(9))
	assert.Equal(t, 600*time.Millisecond, p.Budget())

	d := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy(), d)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "init_failed", StateInitFailed.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "state(42)", State(42).String())
}

package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	dials  atomic.Int32
	closes atomic.Int32
	gate   chan struct{}
	err    error
}

func (d *fakeDialer) dial(ctx context.Context) (*Handle, error) {
	d.dials.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return &Handle{disconnect: func(context.Context) error {
		d.closes.Add(1)
		return nil
	}}, nil
}

func newTestManager(t *testing.T, d *fakeDialer) *Manager {
	t.Helper()
	m, err := New(Options{Dial: d.dial})
	require.NoError(t, err)
	return m
}

func TestNewRequiresDial(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "dial function is required")
}

func TestGetReturnsSameHandle(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	require.False(t, m.Connected())

	h1, err := m.Get(context.Background())
	require.NoError(t, err)
	h2, err := m.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, int32(1), d.dials.Load())
	require.True(t, m.Connected())
}

func TestGetForceReinit(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	h1, err := m.Get(context.Background())
	require.NoError(t, err)
	h2, err := m.Get(context.Background(), WithForceReinit())
	require.NoError(t, err)
	require.NotSame(t, h1, h2)
	require.Equal(t, int32(2), d.dials.Load())
	require.Equal(t, int32(1), d.closes.Load())
}

func TestCloseThenGetReconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	h1, err := m.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	require.False(t, m.Connected())
	require.Equal(t, int32(1), d.closes.Load())

	h2, err := m.Get(context.Background())
	require.NoError(t, err)
	require.NotSame(t, h1, h2)
}

func TestCloseWhenUnconnectedIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	require.Zero(t, d.closes.Load())
}

func TestCloseReportsDisconnectError(t *testing.T) {
	m, err := New(Options{Dial: func(context.Context) (*Handle, error) {
		return &Handle{disconnect: func(context.Context) error { return errors.New("boom") }}, nil
	}})
	require.NoError(t, err)
	_, err = m.Get(context.Background())
	require.NoError(t, err)
	require.EqualError(t, m.Close(context.Background()), "mongodb disconnect: boom")
	require.False(t, m.Connected())
}

func TestConcurrentFirstCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m := newTestManager(t, d)

	const callers = 16
	var (
		wg      sync.WaitGroup
		handles = make([]*Handle, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = m.Get(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	close(d.gate)
	wg.Wait()

	require.Equal(t, int32(1), d.dials.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], handles[i])
	}
}

func TestDialFailurePropagatesAndRetries(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{}), err: errors.New("unreachable")}
	m := newTestManager(t, d)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Get(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	close(d.gate)
	wg.Wait()
	for _, err := range errs {
		require.EqualError(t, err, "mongodb connect: unreachable")
	}
	require.False(t, m.Connected())

	d.gate = nil
	d.err = nil
	h, err := m.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, int32(2), d.dials.Load())
}

func TestGetCancelledWaiterLeavesAttemptRunning(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m := newTestManager(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Get(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(d.gate)
	require.Eventually(t, m.Connected, time.Second, time.Millisecond)
	require.Equal(t, int32(1), d.dials.Load())
}

func TestStaticSource(t *testing.T) {
	_, err := Static(nil).Database(context.Background())
	require.EqualError(t, err, "database is required")
}

func TestManagerName(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})
	require.Equal(t, "mongohelpr-connection", m.Name())
}

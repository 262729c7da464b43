//go:build linux

package evpoll

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fill(records ...unix.EpollEvent) func([]unix.EpollEvent, int) (int, error) {
	return func(events []unix.EpollEvent, _ int) (int, error) {
		return copy(events, records), nil
	}
}

func TestDispatchInterrupted(t *testing.T) {
	k := newFakeKernel()
	k.onWait = func([]unix.EpollEvent, int) (int, error) { return -1, unix.EINTR }
	b, core := newTestBackend(t, BackendConfig{}, k)

	ready, err := dispatch(b, core, Forever)
	assert.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, []int{-1}, k.waitMsec)
}

func TestDispatchWaitFailure(t *testing.T) {
	k := newFakeKernel()
	k.onWait = func([]unix.EpollEvent, int) (int, error) { return -1, unix.EBADF }
	b, core := newTestBackend(t, BackendConfig{}, k)

	_, err := dispatch(b, core, time.Second)
	assert.ErrorIs(t, err, ErrWaitFailed)
	assert.ErrorIs(t, err, unix.EBADF)
	var werr *WaitError
	assert.True(t, errors.As(err, &werr))
}

func TestDispatchTranslatesReadiness(t *testing.T) {
	k := newFakeKernel()
	k.onWait = fill(
		unix.EpollEvent{Fd: 3, Events: unix.EPOLLIN},
		unix.EpollEvent{Fd: 4, Events: unix.EPOLLOUT},
		unix.EpollEvent{Fd: 5, Events: unix.EPOLLERR},
		unix.EpollEvent{Fd: 6, Events: unix.EPOLLHUP | unix.EPOLLIN},
		unix.EpollEvent{Fd: 7, Events: unix.EPOLLPRI},
		unix.EpollEvent{Fd: 8, Events: unix.EPOLLIN | unix.EPOLLRDHUP},
	)
	b, core := newTestBackend(t, BackendConfig{}, k)

	ready, err := dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Equal(t, []Ready{
		{Fd: 3, Events: EvRead | EvET},
		{Fd: 4, Events: EvWrite | EvET},
		{Fd: 5, Events: EvRead | EvWrite | EvET},
		{Fd: 6, Events: EvRead | EvWrite | EvET},
		{Fd: 8, Events: EvRead | EvClosed | EvET},
	}, ready)
	assert.Equal(t, uint64(5), b.Stats().Harvested, "dropped records are not counted")
}

func TestHarvestSkipsTimerFd(t *testing.T) {
	b, core := newTestBackend(t, BackendConfig{}, newFakeKernel())
	// Only the fd is compared during harvest; the timer is never armed here.
	b.timer = &preciseTimer{fd: 42}
	defer func() { b.timer = nil }()
	copy(b.events, []unix.EpollEvent{
		{Fd: 42, Events: unix.EPOLLIN},
		{Fd: 3, Events: unix.EPOLLIN},
	})

	core.Lock()
	b.harvest(2)
	ready := core.Drain()
	core.Unlock()
	assert.Equal(t, []Ready{{Fd: 3, Events: EvRead | EvET}}, ready)
	assert.Equal(t, uint64(1), b.Stats().Harvested)
}

func TestDispatchReleasesLockWhileWaiting(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{}, k)
	locked := true
	k.onWait = func([]unix.EpollEvent, int) (int, error) {
		if core.TryLock() {
			locked = false
			core.Unlock()
		}
		return 0, nil
	}

	_, err := dispatch(b, core, 0)
	require.NoError(t, err)
	assert.False(t, locked, "lock must be free while blocked in epoll_wait")
}

func TestDispatchFlushesChangelistBeforeWait(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{UseChangelist: true}, k)

	require.NoError(t, b.Add(3, 0, EvRead))
	require.NoError(t, b.Add(3, 0, EvWrite))
	require.NoError(t, b.Add(4, 0, EvRead))
	require.NoError(t, b.Del(4, 0, EvRead))
	assert.Empty(t, k.calls)
	assert.Equal(t, 2, b.Pending())

	var registeredAtWait map[int]uint32
	k.onWait = func([]unix.EpollEvent, int) (int, error) {
		registeredAtWait = make(map[int]uint32)
		for fd, ev := range k.registered {
			registeredAtWait[fd] = ev
		}
		return 0, nil
	}
	_, err := dispatch(b, core, 0)
	require.NoError(t, err)

	assert.Equal(t, map[int]uint32{3: unix.EPOLLIN | unix.EPOLLOUT}, registeredAtWait)
	assert.Len(t, k.calls, 1)
	assert.Zero(t, b.Pending())
}

func TestDispatchReportsRegistrationFailureAfterWait(t *testing.T) {
	k := newFakeKernel()
	k.failures[opAdd] = unix.ENOSPC
	k.onWait = fill(unix.EpollEvent{Fd: 9, Events: unix.EPOLLIN})
	b, core := newTestBackend(t, BackendConfig{UseChangelist: true}, k)

	require.NoError(t, b.Add(3, 0, EvRead))
	require.NoError(t, b.Add(4, 0, EvRead))

	ready, err := dispatch(b, core, 0)
	assert.ErrorIs(t, err, ErrRegistrationFailed)
	assert.ErrorIs(t, err, unix.ENOSPC)
	assert.Len(t, k.waitMsec, 1)
	assert.Equal(t, []Ready{{Fd: 9, Events: EvRead | EvET}}, ready)
	assert.Zero(t, b.Pending())
	assert.Equal(t, uint64(2), b.Stats().CtlErrors)
}

func TestBufferGrowth(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{InitialEvents: 4, MaxEvents: 12}, k)

	saturate := func(events []unix.EpollEvent, _ int) (int, error) {
		for i := range events {
			events[i] = unix.EpollEvent{Fd: int32(100 + i), Events: unix.EPOLLIN}
		}
		return len(events), nil
	}
	partial := func(events []unix.EpollEvent, _ int) (int, error) {
		return len(events) - 1, nil
	}

	k.onWait = partial
	_, err := dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 4)

	k.onWait = saturate
	ready, err := dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, ready, 4)
	assert.Len(t, b.events, 8)

	_, err = dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 12, "growth stops at the ceiling")

	_, err = dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 12)

	k.onWait = partial
	_, err = dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 12, "the buffer never shrinks")

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Growths)
	assert.Equal(t, 12, stats.EventsCap)
}

func TestBufferGrowthAllocationFailure(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{InitialEvents: 2}, k)
	fail := true
	b.alloc = func(n int) ([]unix.EpollEvent, error) {
		if fail {
			return nil, errors.New("no memory")
		}
		return makeEvents(n)
	}
	k.onWait = func(events []unix.EpollEvent, _ int) (int, error) { return len(events), nil }

	_, err := dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 2)

	fail = false
	_, err = dispatch(b, core, 0)
	require.NoError(t, err)
	assert.Len(t, b.events, 4)
}

func TestNewBackendAllocationFailure(t *testing.T) {
	k := newFakeKernel()
	_, err := newBackend(DefaultBackendConfig(), NewReadyQueue(), k, func(int) ([]unix.EpollEvent, error) {
		return nil, errors.New("no memory")
	})
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, k.closes)
}

func TestWaitTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		max     int
		want    int
	}{
		{"forever", Forever, defMaxTimeoutMsec, -1},
		{"zero", 0, defMaxTimeoutMsec, 0},
		{"sub millisecond rounds up", time.Nanosecond, defMaxTimeoutMsec, 1},
		{"partial millisecond rounds up", 1500 * time.Microsecond, defMaxTimeoutMsec, 2},
		{"exact", 250 * time.Millisecond, defMaxTimeoutMsec, 250},
		{"clamped", time.Hour, defMaxTimeoutMsec, defMaxTimeoutMsec},
		{"huge", time.Duration(1<<63 - 1), defMaxTimeoutMsec, defMaxTimeoutMsec},
		{"custom margin", 10 * time.Second, 5000, 5000},
		{"just below margin rounds up to it", 4999*time.Millisecond + time.Nanosecond, 5000, 5000},
		{"int32 margin", time.Hour, math.MaxInt32, 3600000},
		{"huge with int32 margin", time.Duration(1<<63 - 1), math.MaxInt32, math.MaxInt32},
		{"margin too large for nanoseconds", time.Hour, math.MaxInt, 3600000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, waitMsec(tt.timeout, tt.max))
		})
	}
}

func TestTimerSpec(t *testing.T) {
	spec, pollNow := timerSpec(Forever)
	assert.False(t, pollNow)
	assert.Equal(t, unix.ItimerSpec{}, spec)

	spec, pollNow = timerSpec(0)
	assert.True(t, pollNow)
	assert.Equal(t, unix.ItimerSpec{}, spec)

	spec, pollNow = timerSpec(1500 * time.Microsecond)
	assert.False(t, pollNow)
	assert.Equal(t, int64(1500*time.Microsecond), spec.Value.Nano())
	assert.Equal(t, unix.Timespec{}, spec.Interval)
}

func TestCloseTwice(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{}, k)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.Equal(t, 1, k.closes)
	assert.Nil(t, b.events)

	_, err := dispatch(b, core, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Add(3, 0, EvRead), ErrClosed)
	assert.ErrorIs(t, b.Del(3, EvRead, EvRead), ErrClosed)
}

func TestCloseDropsPendingChanges(t *testing.T) {
	k := newFakeKernel()
	b, _ := newTestBackend(t, BackendConfig{UseChangelist: true}, k)

	require.NoError(t, b.Add(3, 0, EvRead))
	require.Equal(t, 1, b.Pending())
	require.NoError(t, b.Close())
	assert.Zero(t, b.Pending())
	assert.Empty(t, k.calls)
}

func TestDispatchReturnsClosedWhenClosedDuringWait(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{}, k)
	waiting := make(chan struct{})
	release := make(chan struct{})
	k.onWait = func(events []unix.EpollEvent, _ int) (int, error) {
		close(waiting)
		<-release
		return copy(events, []unix.EpollEvent{{Fd: 3, Events: unix.EPOLLIN}}), nil
	}

	var (
		ready []Ready
		err   error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ready, err = dispatch(b, core, Forever)
	}()

	<-waiting
	core.Lock()
	require.NoError(t, b.Close())
	core.Unlock()
	close(release)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not return")
	}
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, ready)
	assert.Zero(t, b.Stats().Harvested)
	assert.Zero(t, b.Stats().Growths)
}

func TestTimerArmFailureFallsBackToMilliseconds(t *testing.T) {
	k := newFakeKernel()
	b, core := newTestBackend(t, BackendConfig{}, k)
	var armed []unix.ItimerSpec
	fail := false
	b.timer = &preciseTimer{fd: 42, settime: func(_ int, _ int, spec, _ *unix.ItimerSpec) error {
		armed = append(armed, *spec)
		if fail {
			return unix.EINVAL
		}
		return nil
	}}
	defer func() { b.timer = nil }()

	for _, timeout := range []time.Duration{1500 * time.Microsecond, 0} {
		_, err := dispatch(b, core, timeout)
		require.NoError(t, err)
	}
	fail = true
	for _, timeout := range []time.Duration{1500 * time.Microsecond, Forever, 0} {
		_, err := dispatch(b, core, timeout)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{-1, 0, 2, -1, 0}, k.waitMsec)
	require.Len(t, armed, 5)
	assert.Equal(t, int64(1500*time.Microsecond), armed[0].Value.Nano())
	assert.Equal(t, unix.ItimerSpec{}, armed[1])
}

func TestMethod(t *testing.T) {
	b, _ := newTestBackend(t, BackendConfig{}, newFakeKernel())
	m := b.Method()
	assert.Equal(t, "epoll", m.Name)
	assert.Zero(t, m.FdInfoSize)
	assert.Equal(t, FeatureET|FeatureO1|FeatureEarlyClose, m.Features)
	assert.True(t, m.NeedsReinit)

	b, _ = newTestBackend(t, BackendConfig{UseChangelist: true}, newFakeKernel())
	m = b.Method()
	assert.Equal(t, "epoll (with changelist)", m.Name)
	assert.Equal(t, changeInfoSize, m.FdInfoSize)
}

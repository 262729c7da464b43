//go:build linux

package evpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type ctlCall struct {
	op     ctlOp
	fd     int
	events uint32
}

// fakeKernel mimics epoll registration bookkeeping closely enough to drive
// the retry paths: ADD on a known fd gives EEXIST, MOD/DEL on an unknown fd
// give ENOENT, and fds in badFds give EBADF.
type fakeKernel struct {
	registered map[int]uint32
	badFds     map[int]bool
	failures   map[ctlOp]error
	calls      []ctlCall
	onWait     func(events []unix.EpollEvent, msec int) (int, error)
	waitMsec   []int
	closes     int
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		registered: make(map[int]uint32),
		badFds:     make(map[int]bool),
		failures:   make(map[ctlOp]error),
	}
}

func (k *fakeKernel) ctl(op ctlOp, fd int, events uint32) error {
	k.calls = append(k.calls, ctlCall{op: op, fd: fd, events: events})
	if err, ok := k.failures[op]; ok {
		return err
	}
	if k.badFds[fd] {
		return unix.EBADF
	}
	_, known := k.registered[fd]
	switch op {
	case opAdd:
		if known {
			return unix.EEXIST
		}
		k.registered[fd] = events
	case opMod:
		if !known {
			return unix.ENOENT
		}
		k.registered[fd] = events
	case opDel:
		if !known {
			return unix.ENOENT
		}
		delete(k.registered, fd)
	}
	return nil
}

func (k *fakeKernel) wait(events []unix.EpollEvent, msec int) (int, error) {
	k.waitMsec = append(k.waitMsec, msec)
	if k.onWait == nil {
		return 0, nil
	}
	return k.onWait(events, msec)
}

func (k *fakeKernel) close() error {
	k.closes++
	return nil
}

func newTestBackend(t *testing.T, conf BackendConfig, k *fakeKernel) (*Backend, *ReadyQueue) {
	t.Helper()
	core := NewReadyQueue()
	conf.IgnoreEnv = true
	b, err := newBackend(conf.withDefaults(), core, k, makeEvents)
	require.NoError(t, err)
	return b, core
}

// dispatch runs one cycle the way the event core does, with the lock held.
func dispatch(b *Backend, core *ReadyQueue, timeout time.Duration) ([]Ready, error) {
	core.Lock()
	defer core.Unlock()
	err := b.Dispatch(timeout)
	return core.Drain(), err
}

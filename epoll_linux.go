//go:build linux

package evpoll

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Forever makes Dispatch wait until something becomes ready.
const Forever time.Duration = -1

const (
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

type allocator func(n int) ([]unix.EpollEvent, error)

func makeEvents(n int) ([]unix.EpollEvent, error) {
	return make([]unix.EpollEvent, n), nil
}

// Backend is one epoll instance serving one event core.
type Backend struct {
	core    EventCore
	conf    BackendConfig
	fac     facility
	events  []unix.EpollEvent
	timer   *preciseTimer
	mut     mutator
	batched bool
	alloc   allocator
	closed  *atomic.Bool
	stats   backendStats
}

// New opens an epoll backend. ErrUnsupported means the kernel has no epoll
// and the core should pick another backend.
func New(conf BackendConfig, core EventCore) (*Backend, error) {
	if core == nil {
		return nil, errors.New("evpoll: nil event core")
	}
	conf = conf.withDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	fac, err := openEpoll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	b, err := newBackend(conf, core, fac, makeEvents)
	if err != nil {
		return nil, err
	}
	if conf.PreciseTimer && monotonicUsable() {
		timer, err := openPreciseTimer(fac)
		if err != nil {
			log.Warn().Msgf("precise timer disabled: %v", err)
		}
		b.timer = timer
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("opened %s backend: %+v, precise timer: %t", b.Method().Name, conf, b.timer != nil)
	}
	return b, nil
}

// newBackend takes ownership of fac and closes it if the backend cannot be
// built.
func newBackend(conf BackendConfig, core EventCore, fac facility, alloc allocator) (*Backend, error) {
	events, err := alloc(conf.InitialEvents)
	if err != nil {
		_ = fac.close()
		return nil, fmt.Errorf("%w: event buffer of %d: %w", ErrOutOfMemory, conf.InitialEvents, err)
	}
	b := &Backend{
		core:   core,
		conf:   conf,
		fac:    fac,
		events: events,
		alloc:  alloc,
		closed: atomic.NewBool(false),
		stats:  newBackendStats(),
	}
	b.stats.eventsCap.Store(int64(len(events)))
	if conf.changelistEnabled() {
		b.mut = newChangelistMutator(b)
		b.batched = true
	} else {
		b.mut = immediateMutator{b: b}
	}
	return b, nil
}

func (b *Backend) Method() Method {
	m := Method{
		Name:        "epoll",
		Features:    FeatureET | FeatureO1 | FeatureEarlyClose,
		NeedsReinit: true,
	}
	if b.batched {
		m.Name = "epoll (with changelist)"
		m.FdInfoSize = changeInfoSize
	}
	return m
}

// Add starts watching events on fd. old is the interest the kernel already
// has for fd.
func (b *Backend) Add(fd int, old, events Events) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.mut.add(fd, old, events)
}

// Del stops watching events on fd. old is the interest the kernel already
// has for fd.
func (b *Backend) Del(fd int, old, events Events) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.mut.del(fd, old, events)
}

// Pending returns the number of changes waiting for the next dispatch.
func (b *Backend) Pending() int {
	return b.mut.pending()
}

func (b *Backend) Stats() Stats {
	return b.stats.snapshot()
}

// Dispatch runs one wait cycle and reports ready descriptors through
// EventCore.Activate. The caller must hold the core lock; it is released
// while blocked in epoll_wait. A negative timeout waits indefinitely.
func (b *Backend) Dispatch(timeout time.Duration) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.stats.dispatches.Inc()

	msec := b.waitTimeout(timeout)
	applyErr := b.mut.flush()

	fac, events := b.fac, b.events
	b.core.Unlock()
	n, err := fac.wait(events, msec)
	b.core.Lock()

	// Close may have run while the lock was dropped.
	if b.closed.Load() {
		return ErrClosed
	}
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return applyErr
		}
		log.Warn().Msgf("epoll_wait: %v", err)
		return errors.Join(&WaitError{Err: err}, applyErr)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("epoll_wait reports %d", n)
	}

	b.harvest(n)
	if n == len(b.events) && len(b.events) < b.conf.MaxEvents {
		b.grow()
	}
	return applyErr
}

func (b *Backend) harvest(n int) {
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := int(ev.Fd)
		if b.timer != nil && fd == b.timer.fd {
			continue
		}
		what := translate(ev.Events)
		if what == 0 {
			continue
		}
		b.core.Activate(fd, what|EvET)
		b.stats.harvested.Inc()
	}
}

// translate maps native readiness to the generic mask. Errors and hangups
// are reported as both readable and writable; the following read or write
// tells the core what actually happened.
func translate(native uint32) Events {
	if native&errorEvents != 0 {
		return EvRead | EvWrite
	}
	var ev Events
	if native&unix.EPOLLIN != 0 {
		ev |= EvRead
	}
	if native&unix.EPOLLOUT != 0 {
		ev |= EvWrite
	}
	if native&unix.EPOLLRDHUP != 0 {
		ev |= EvClosed
	}
	return ev
}

func (b *Backend) waitTimeout(timeout time.Duration) int {
	if b.timer != nil {
		msec, err := b.timer.arm(timeout)
		if err == nil {
			return msec
		}
		log.Warn().Msgf("precise timer: %v, waiting in milliseconds", err)
	}
	return waitMsec(timeout, b.conf.MaxTimeoutMsec)
}

// waitMsec rounds timeout up to whole milliseconds and clamps it to max.
func waitMsec(timeout time.Duration, max int) int {
	if timeout < 0 {
		return -1
	}
	msec := timeout / time.Millisecond
	if msec >= time.Duration(max) {
		return max
	}
	if timeout%time.Millisecond != 0 {
		msec++
	}
	return int(msec)
}

// grow doubles the event buffer after a cycle that filled it.
func (b *Backend) grow() {
	size := len(b.events) * 2
	if size > b.conf.MaxEvents {
		size = b.conf.MaxEvents
	}
	events, err := b.alloc(size)
	if err != nil {
		log.Warn().Msgf("can't grow event buffer to %d: %v", size, err)
		return
	}
	b.events = events
	b.stats.growths.Inc()
	b.stats.eventsCap.Store(int64(size))
}

// Close releases the timerfd, the event buffer and the epoll handle, and
// drops changes that were never flushed.
func (b *Backend) Close() error {
	if !b.closed.CAS(false, true) {
		return ErrClosed
	}
	var errs []error
	if b.timer != nil {
		errs = append(errs, b.timer.close())
		b.timer = nil
	}
	b.mut.reset()
	b.events = nil
	errs = append(errs, b.fac.close())
	b.fac = nil
	b.stats.eventsCap.Store(0)
	return errors.Join(errs...)
}

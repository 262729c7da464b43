//go:build linux

package evpoll

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// preciseTimer bounds epoll_wait with a timerfd so that timeouts are not
// rounded up to whole milliseconds. Its fd is registered EPOLLIN with the
// epoll handle for as long as it exists.
type preciseTimer struct {
	fd      int
	settime func(fd int, flags int, new, old *unix.ItimerSpec) error
}

// monotonicUsable reports whether CLOCK_MONOTONIC is available, which is the
// clock the timerfd is created on.
func monotonicUsable() bool {
	var res unix.Timespec
	return unix.ClockGetres(unix.CLOCK_MONOTONIC, &res) == nil
}

// openPreciseTimer creates the timerfd and registers it. A nil timer with a
// nil error means the kernel has no timerfd support.
func openPreciseTimer(fac facility) (*preciseTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		// Built with timerfd but running on a kernel without it.
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
			return nil, nil
		}
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	if err := fac.ctl(opAdd, fd, unix.EPOLLIN); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl(timerfd)", err)
	}
	return &preciseTimer{fd: fd, settime: unix.TimerfdSettime}, nil
}

// timerSpec converts a dispatch timeout into a one-shot timer value. A
// negative timeout disarms the timer. A zero timeout also disarms it, since
// a zero it_value cannot express "expire now"; the caller must poll instead.
func timerSpec(timeout time.Duration) (spec unix.ItimerSpec, pollNow bool) {
	if timeout < 0 {
		return spec, false
	}
	if timeout == 0 {
		return spec, true
	}
	spec.Value = unix.NsecToTimespec(timeout.Nanoseconds())
	return spec, false
}

// arm sets the timer for the coming wait and returns the epoll_wait timeout
// to use alongside it.
func (t *preciseTimer) arm(timeout time.Duration) (int, error) {
	spec, pollNow := timerSpec(timeout)
	err := os.NewSyscallError("timerfd_settime", t.settime(t.fd, 0, &spec, nil))
	if pollNow {
		return 0, err
	}
	return -1, err
}

func (t *preciseTimer) close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

//go:build linux

package evpoll

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// legacyEpollSize is the size hint for epoll_create. Kernels since 2.6.8
// ignore it but still reject values <= 0.
const legacyEpollSize = 32000

// facility is the kernel multiplexing context the backend drives. Errors
// returned by ctl and wait are bare errnos so the retry ladder can match them.
type facility interface {
	ctl(op ctlOp, fd int, events uint32) error
	wait(events []unix.EpollEvent, msec int) (int, error)
	close() error
}

type epollFacility struct {
	fd int
}

func openEpoll() (*epollFacility, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err == nil {
		return &epollFacility{fd: fd}, nil
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("epoll_create1 failed: %v, falling back to epoll_create", err)
	}
	fd, err = unix.EpollCreate(legacyEpollSize)
	if err != nil {
		if !errors.Is(err, unix.ENOSYS) {
			log.Warn().Msgf("epoll_create: %v", err)
		}
		return nil, os.NewSyscallError("epoll_create", err)
	}
	unix.CloseOnExec(fd)
	return &epollFacility{fd: fd}, nil
}

func (p *epollFacility) ctl(op ctlOp, fd int, events uint32) error {
	return unix.EpollCtl(p.fd, op.native(), fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *epollFacility) wait(events []unix.EpollEvent, msec int) (int, error) {
	return unix.EpollWait(p.fd, events, msec)
}

func (p *epollFacility) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

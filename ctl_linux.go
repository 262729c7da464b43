//go:build linux

package evpoll

import (
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// fallbackFor says how to react when op failed with err: retry as the
// returned op, treat the change as done (opNone, true), or report it.
//
// Kernel state can drift from what the core last saw: a MOD target may have
// been closed and reopened under the same number, an ADD may hit an epitem
// left behind by dup2 of the same file, and a DEL target may already be gone.
func fallbackFor(op ctlOp, err error) (ctlOp, bool) {
	switch op {
	case opMod:
		if errors.Is(err, unix.ENOENT) {
			return opAdd, true
		}
	case opAdd:
		if errors.Is(err, unix.EEXIST) {
			return opMod, true
		}
	case opDel:
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) || errors.Is(err, unix.EPERM) {
			return opNone, true
		}
	}
	return opNone, false
}

// applyOne pushes one change to the kernel.
func (b *Backend) applyOne(ch *Change) error {
	op, events := resolve(ch)
	if op == opNone {
		return nil
	}

	b.stats.ctlCalls.Inc()
	err := b.fac.ctl(op, ch.Fd, events)
	if err == nil {
		if log.Debug().Enabled() {
			log.Debug().Msgf("epoll %s(%d) on fd %d okay, old events were %s", op, events, ch.Fd, ch.Old)
		}
		return nil
	}

	next, ok := fallbackFor(op, err)
	if !ok {
		return b.changeFailed(op, events, ch, err)
	}
	if next == opNone {
		if log.Debug().Enabled() {
			log.Debug().Msgf("epoll %s(%d) on fd %d gave %v: %s was unnecessary", op, events, ch.Fd, err, op)
		}
		return nil
	}

	b.stats.retries.Inc()
	b.stats.ctlCalls.Inc()
	if retryErr := b.fac.ctl(next, ch.Fd, events); retryErr != nil {
		return b.changeFailed(next, events, ch, retryErr)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("epoll %s(%d) on fd %d retried as %s; succeeded", op, events, ch.Fd, next)
	}
	return nil
}

func (b *Backend) changeFailed(op ctlOp, events uint32, ch *Change, err error) error {
	b.stats.ctlErrors.Inc()
	cerr := &ChangeError{
		Op:     op.String(),
		Fd:     ch.Fd,
		Events: events,
		Change: *ch,
		Err:    err,
	}
	log.Warn().Msg(cerr.Error())
	return cerr
}

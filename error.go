package evpoll

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported        = errors.New("evpoll: epoll is not supported")
	ErrOutOfMemory        = errors.New("evpoll: out of memory")
	ErrRegistrationFailed = errors.New("evpoll: registration failed")
	ErrWaitFailed         = errors.New("evpoll: wait failed")
	ErrClosed             = errors.New("evpoll: backend closed")
)

// ChangeError is returned when a change could not be applied even after the
// fallback operation.
type ChangeError struct {
	Op     string
	Fd     int
	Events uint32
	Change Change
	Err    error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("evpoll: epoll %s(%d) on fd %d failed: old events were %s; read change was %s; write change was %s; close change was %s: %v",
		e.Op, e.Events, e.Fd, e.Change.Old, e.Change.Read.Kind, e.Change.Write.Kind, e.Change.Close.Kind, e.Err)
}

func (e *ChangeError) Unwrap() error { return e.Err }

func (e *ChangeError) Is(target error) bool { return target == ErrRegistrationFailed }

type WaitError struct {
	Err error
}

func (e *WaitError) Error() string { return "evpoll: epoll_wait: " + e.Err.Error() }

func (e *WaitError) Unwrap() error { return e.Err }

func (e *WaitError) Is(target error) bool { return target == ErrWaitFailed }

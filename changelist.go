package evpoll

import (
	"errors"

	"github.com/eapache/queue"
)

// changeInfoSize is what the event core reserves per fd for changelist
// bookkeeping: the index of the pending change.
const changeInfoSize = 8

// changelist coalesces interest changes made during one dispatch cycle so
// that each fd costs at most one epoll_ctl when the cycle is flushed.
type changelist struct {
	byFd  map[int]*Change
	order *queue.Queue
}

func newChangelist() *changelist {
	return &changelist{
		byFd:  make(map[int]*Change),
		order: queue.New(),
	}
}

// entry returns the pending change for fd, creating it with old as the
// kernel-visible state if this is the first change of the cycle.
func (cl *changelist) entry(fd int, old Events) *Change {
	if ch, ok := cl.byFd[fd]; ok {
		return ch
	}
	ch := &Change{Fd: fd, Old: old & ioEvents}
	cl.byFd[fd] = ch
	cl.order.Add(ch)
	return ch
}

func (cl *changelist) add(fd int, old, events Events) {
	ch := cl.entry(fd, old)
	d := Delta{Kind: ChangeAdd, ET: events&EvET != 0}
	if events&EvRead != 0 {
		ch.Read = d
	}
	if events&EvWrite != 0 {
		ch.Write = d
	}
	if events&EvClosed != 0 {
		ch.Close = d
	}
}

// del records a delete. Deleting a channel the kernel never had cancels any
// pending add instead of queueing a delete.
func (cl *changelist) del(fd int, old, events Events) {
	ch := cl.entry(fd, old)
	et := events&EvET != 0
	if events&EvRead != 0 {
		ch.Read = delDelta(ch.Old&EvRead != 0, et)
	}
	if events&EvWrite != 0 {
		ch.Write = delDelta(ch.Old&EvWrite != 0, et)
	}
	if events&EvClosed != 0 {
		ch.Close = delDelta(ch.Old&EvClosed != 0, et)
	}
}

func delDelta(wasSet, et bool) Delta {
	if !wasSet {
		return Delta{}
	}
	return Delta{Kind: ChangeDel, ET: et}
}

func (cl *changelist) len() int {
	return cl.order.Length()
}

func (cl *changelist) reset() {
	cl.byFd = make(map[int]*Change)
	cl.order = queue.New()
}

// drain hands every pending change to apply in insertion order and empties
// the list even when some of them fail.
func (cl *changelist) drain(apply func(*Change) error) error {
	var errs []error
	for cl.order.Length() > 0 {
		ch := cl.order.Remove().(*Change)
		delete(cl.byFd, ch.Fd)
		if err := apply(ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package evpoll

import (
	"sync"

	"github.com/eapache/queue"
)

// Ready is one readiness notification.
type Ready struct {
	Fd     int
	Events Events
}

// ReadyQueue is a minimal EventCore: a mutex plus a FIFO of activations.
// It is enough to drive a Backend from tests and small tools.
type ReadyQueue struct {
	sync.Mutex
	ready *queue.Queue
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{ready: queue.New()}
}

// Activate must be called with the lock held, as Backend.Dispatch does.
func (q *ReadyQueue) Activate(fd int, events Events) {
	q.ready.Add(Ready{Fd: fd, Events: events})
}

// Drain removes and returns every queued notification. The lock must be held.
func (q *ReadyQueue) Drain() []Ready {
	out := make([]Ready, 0, q.ready.Length())
	for q.ready.Length() > 0 {
		out = append(out, q.ready.Remove().(Ready))
	}
	return out
}

// Package evpoll is the epoll readiness backend of a reactor event core.
package evpoll

import "strings"

// Events is the generic interest/readiness mask shared with the event core.
type Events uint16

const (
	EvRead Events = 1 << iota
	EvWrite
	// EvClosed reports that the peer closed its end of the connection.
	EvClosed
	// EvET requests (or reports) edge-triggered behaviour.
	EvET
)

const ioEvents = EvRead | EvWrite | EvClosed

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	if e&EvRead != 0 {
		parts = append(parts, "read")
	}
	if e&EvWrite != 0 {
		parts = append(parts, "write")
	}
	if e&EvClosed != 0 {
		parts = append(parts, "closed")
	}
	if e&EvET != 0 {
		parts = append(parts, "et")
	}
	return strings.Join(parts, "|")
}

type ChangeKind uint8

const (
	ChangeNone ChangeKind = iota
	ChangeAdd
	ChangeDel
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeAdd:
		return "add"
	case ChangeDel:
		return "del"
	}
	return "???"
}

// Delta is a pending change on one interest channel of a descriptor.
type Delta struct {
	Kind ChangeKind
	ET   bool
}

// Change collects the pending deltas for one descriptor. Old holds the
// read/write/closed bits the kernel knew about before the first delta.
type Change struct {
	Fd    int
	Old   Events
	Read  Delta
	Write Delta
	Close Delta
}

func (ch *Change) edgeTriggered() bool {
	return ch.Read.ET || ch.Write.ET || ch.Close.ET
}

// deltaChange builds the single-shot change an unbatched add or delete maps to.
func deltaChange(fd int, old, events Events, kind ChangeKind) Change {
	d := Delta{Kind: kind, ET: events&EvET != 0}
	ch := Change{Fd: fd, Old: old & ioEvents}
	if events&EvRead != 0 {
		ch.Read = d
	}
	if events&EvWrite != 0 {
		ch.Write = d
	}
	if events&EvClosed != 0 {
		ch.Close = d
	}
	return ch
}

// EventCore is the part of the event core the backend talks to. The lock is
// held by the caller around every backend call; Dispatch drops it only while
// blocked in the kernel.
type EventCore interface {
	Lock()
	Unlock()
	Activate(fd int, events Events)
}

// Feature flags advertised through Method.
type Feature uint8

const (
	FeatureET Feature = 1 << iota
	FeatureO1
	FeatureEarlyClose
)

// Method describes a backend variant for selection by the event core.
type Method struct {
	Name        string
	Features    Feature
	FdInfoSize  int
	NeedsReinit bool
}

//go:build linux

package evpoll

import "golang.org/x/sys/unix"

type ctlOp uint8

const (
	opNone ctlOp = iota
	opAdd
	opMod
	opDel
)

func (op ctlOp) String() string {
	switch op {
	case opAdd:
		return "ADD"
	case opMod:
		return "MOD"
	case opDel:
		return "DEL"
	}
	return "???"
}

func (op ctlOp) native() int {
	switch op {
	case opAdd:
		return unix.EPOLL_CTL_ADD
	case opMod:
		return unix.EPOLL_CTL_MOD
	case opDel:
		return unix.EPOLL_CTL_DEL
	}
	return 0
}

type opEntry struct {
	op     ctlOp
	events uint32
}

// The table is indexed by old read/write/closed bits (8 values) and the
// three channel deltas (3 values each).
const (
	deltaKinds  = 3
	oldStates   = 8
	opTableSize = oldStates * deltaKinds * deltaKinds * deltaKinds
)

var opTable = buildOpTable()

func opTableIndex(old Events, read, write, closed ChangeKind) int {
	return int(old&ioEvents) + oldStates*(int(read)+deltaKinds*(int(write)+deltaKinds*int(closed)))
}

func buildOpTable() [opTableSize]opEntry {
	var table [opTableSize]opEntry
	kinds := [deltaKinds]ChangeKind{ChangeNone, ChangeAdd, ChangeDel}
	for old := Events(0); old < oldStates; old++ {
		for _, r := range kinds {
			for _, w := range kinds {
				for _, c := range kinds {
					table[opTableIndex(old, r, w, c)] = computeOp(old, r, w, c)
				}
			}
		}
	}
	return table
}

var channelBits = [3]struct {
	generic Events
	native  uint32
}{
	{EvRead, unix.EPOLLIN},
	{EvWrite, unix.EPOLLOUT},
	{EvClosed, unix.EPOLLRDHUP},
}

// computeOp decides the epoll_ctl needed to move from old to the state the
// deltas describe. Adds win over deletes: if anything is added the fd stays
// registered and is added or modified depending on whether it was known.
func computeOp(old Events, read, write, closed ChangeKind) opEntry {
	deltas := [3]ChangeKind{read, write, closed}
	var hasAdd, hasDel bool
	for _, d := range deltas {
		hasAdd = hasAdd || d == ChangeAdd
		hasDel = hasDel || d == ChangeDel
	}

	switch {
	case hasAdd:
		var events uint32
		for i, bit := range channelBits {
			if deltas[i] == ChangeAdd || (deltas[i] != ChangeDel && old&bit.generic != 0) {
				events |= bit.native
			}
		}
		if old&ioEvents != 0 {
			return opEntry{op: opMod, events: events}
		}
		return opEntry{op: opAdd, events: events}
	case hasDel:
		var keep, drop uint32
		for i, bit := range channelBits {
			if deltas[i] == ChangeDel {
				drop |= bit.native
			} else if old&bit.generic != 0 {
				keep |= bit.native
			}
		}
		if keep != 0 {
			return opEntry{op: opMod, events: keep}
		}
		return opEntry{op: opDel, events: drop}
	}
	return opEntry{}
}

// resolve maps a pending change to its epoll_ctl operation and mask.
func resolve(ch *Change) (ctlOp, uint32) {
	e := opTable[opTableIndex(ch.Old, ch.Read.Kind, ch.Write.Kind, ch.Close.Kind)]
	if e.op == opNone {
		return opNone, 0
	}
	events := e.events
	if ch.edgeTriggered() {
		events |= unix.EPOLLET
	}
	return e.op, events
}

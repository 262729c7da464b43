//go:build linux

package evpoll

// mutator decides when interest changes reach the kernel.
type mutator interface {
	add(fd int, old, events Events) error
	del(fd int, old, events Events) error
	// flush applies whatever was deferred. Called before every wait.
	flush() error
	pending() int
	// reset drops deferred changes without applying them.
	reset()
}

// immediateMutator issues one epoll_ctl per call.
type immediateMutator struct {
	b *Backend
}

func (m immediateMutator) add(fd int, old, events Events) error {
	ch := deltaChange(fd, old, events, ChangeAdd)
	return m.b.applyOne(&ch)
}

func (m immediateMutator) del(fd int, old, events Events) error {
	ch := deltaChange(fd, old, events, ChangeDel)
	return m.b.applyOne(&ch)
}

func (immediateMutator) flush() error { return nil }

func (immediateMutator) pending() int { return 0 }

func (immediateMutator) reset() {}

// changelistMutator defers changes until the next dispatch.
type changelistMutator struct {
	b       *Backend
	changes *changelist
}

func newChangelistMutator(b *Backend) *changelistMutator {
	return &changelistMutator{b: b, changes: newChangelist()}
}

func (m *changelistMutator) add(fd int, old, events Events) error {
	m.changes.add(fd, old, events)
	return nil
}

func (m *changelistMutator) del(fd int, old, events Events) error {
	m.changes.del(fd, old, events)
	return nil
}

func (m *changelistMutator) flush() error {
	return m.changes.drain(m.b.applyOne)
}

func (m *changelistMutator) pending() int {
	return m.changes.len()
}

func (m *changelistMutator) reset() {
	m.changes.reset()
}

package evpoll

import "go.uber.org/atomic"

// Stats is a point-in-time copy of backend counters. Harvested counts the
// readiness reports delivered to the event core, not raw kernel records.
type Stats struct {
	Dispatches uint64
	CtlCalls   uint64
	Retries    uint64
	CtlErrors  uint64
	Harvested  uint64
	Growths    uint64
	EventsCap  int
}

type backendStats struct {
	dispatches *atomic.Uint64
	ctlCalls   *atomic.Uint64
	retries    *atomic.Uint64
	ctlErrors  *atomic.Uint64
	harvested  *atomic.Uint64
	growths    *atomic.Uint64
	eventsCap  *atomic.Int64
}

func newBackendStats() backendStats {
	return backendStats{
		dispatches: atomic.NewUint64(0),
		ctlCalls:   atomic.NewUint64(0),
		retries:    atomic.NewUint64(0),
		ctlErrors:  atomic.NewUint64(0),
		harvested:  atomic.NewUint64(0),
		growths:    atomic.NewUint64(0),
		eventsCap:  atomic.NewInt64(0),
	}
}

func (s backendStats) snapshot() Stats {
	return Stats{
		Dispatches: s.dispatches.Load(),
		CtlCalls:   s.ctlCalls.Load(),
		Retries:    s.retries.Load(),
		CtlErrors:  s.ctlErrors.Load(),
		Harvested:  s.harvested.Load(),
		Growths:    s.growths.Load(),
		EventsCap:  int(s.eventsCap.Load()),
	}
}

package sched

import (
	"fmt"
	"sync"

	"gangsched/internal/domain"
	"gangsched/internal/policy"
)

const (
	// Margin under which a remaining time is treated as exhausted.
	Margin = int64(10_000) // 10 us

	// MinNegativeDiff is the most negative difference tolerated between
	// the current time and a ticket's activation time. Anything below
	// it indicates a clock or bookkeeping bug.
	MinNegativeDiff = int64(-10_000) // -10 us
)

// Ticket flag bits.
const (
	// flagSingleVCPUYield marks that the ticket's vCPU yielded
	// individually (not the whole gang).
	flagSingleVCPUYield = 1 << iota

	// flagSleeping marks the vCPU as put to sleep.
	flagSleeping

	// flagWasWaiting marks a ticket that just left the
	// waiting-for-event set.
	flagWasWaiting
)

// Ticket is the per-vCPU scheduling record and queue node. A ticket
// lives in exactly one container at any time: the EDF queue, the
// activation queue, the waiting-for-event set, or the dispatched
// current-ticket slots of its local scheduler.
type Ticket struct {
	// VCPU is the virtual CPU this ticket schedules on the local pCPU.
	// It is nil for tickets of cohort domains that own no vCPU here.
	VCPU *domain.VCPU

	// Dom is a non-owning reference to the domain record; the topology
	// layer owns domain records and they outlive all tickets.
	Dom *domain.Domain

	// Absolute nanosecond bookkeeping.
	EarliestStart int64
	Deadline      int64
	Remaining     int64
	ActivatedAt   int64

	flags uint32

	// OnMyBehalf is the substitute ticket scheduled in this ticket's
	// slice after a single-vCPU yield.
	OnMyBehalf *Ticket
}

func (t *Ticket) DomID() int32 {
	return t.Dom.ID
}

func (t *Ticket) setYield()      { t.flags |= flagSingleVCPUYield }
func (t *Ticket) clearYield()    { t.flags &^= flagSingleVCPUYield }
func (t *Ticket) yielding() bool { return t.flags&flagSingleVCPUYield != 0 }

func (t *Ticket) setWasWaiting()   { t.flags |= flagWasWaiting }
func (t *Ticket) clearWasWaiting() { t.flags &^= flagWasWaiting }
func (t *Ticket) wasWaiting() bool { return t.flags&flagWasWaiting != 0 }

func (t *Ticket) sleeping() bool { return t.flags&flagSleeping != 0 }

// Yield records a single-vCPU yield; the dispatcher consumes and clears
// the bit on the next decision.
func (t *Ticket) Yield() { t.setYield() }

func (t *Ticket) String() string {
	return fmt.Sprintf("ticket{dom=%d est=%d dl=%d rem=%d}",
		t.DomID(), t.EarliestStart, t.Deadline, t.Remaining)
}

// Arena is a fixed-capacity ticket allocator. Reconfiguration rebuilds
// every local scheduler wholesale; recycling tickets through a
// free-list keeps that rebuild off the heap and keeps the dispatcher
// hot path allocation-free.
type Arena struct {
	mu   sync.Mutex
	free []*Ticket
	used int
	cap  int
}

// NewArena returns an arena able to hand out up to capacity tickets at
// a time.
func NewArena(capacity int) *Arena {
	a := &Arena{cap: capacity}
	a.free = make([]*Ticket, 0, capacity)
	for i := 0; i < capacity; i++ {
		a.free = append(a.free, &Ticket{})
	}
	return a
}

// Get hands out a zeroed ticket initialized with the scheduler's
// defaults: all times infinite except remaining time, which starts at
// zero. Returns nil when the arena is exhausted.
func (a *Arena) Get(v *domain.VCPU, d *domain.Domain) *Ticket {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return nil
	}
	t := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used++

	*t = Ticket{
		VCPU:          v,
		Dom:           d,
		EarliestStart: policy.Infinity,
		Deadline:      policy.Infinity,
		Remaining:     0,
		ActivatedAt:   policy.Infinity,
	}
	return t
}

// Put returns a ticket to the arena.
func (a *Arena) Put(t *Ticket) {
	if t == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	*t = Ticket{}
	a.free = append(a.free, t)
	a.used--
}

// InUse returns the number of tickets currently handed out.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

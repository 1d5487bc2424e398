package sched

import (
	"gangsched/internal/config"
	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/policy"
	"gangsched/internal/topology"

	"github.com/sirupsen/logrus"
)

// ticketLocus identifies the container a ticket currently lives in.
type ticketLocus int

const (
	locusNotFound ticketLocus = iota
	locusEDF
	locusActivation
	locusWaiting
)

// fatalf reports an invariant violation. These indicate scheduler bugs,
// not user errors; the subsystem halts with a diagnostic.
func fatalf(fields logrus.Fields, format string, args ...interface{}) {
	logging.GetDispatchLogger().WithFields(fields).Panicf(format, args...)
}

// LocalScheduler is the per-pCPU scheduling engine: the EDF runnable
// queue, the activation queue, the waiting-for-event set, and the
// current-ticket slots for every pCPU of the pool (only slots of this
// pCPU's cohort are ever populated). All state is private to the owning
// pCPU; cross-pCPU consistency comes from every cohort member running
// the identical algorithm over identical inputs.
type LocalScheduler struct {
	cpu    int
	params config.Params

	edf     *ticketQueue
	actv    *ticketQueue
	waiting map[int32]*Ticket

	// Current holds the dispatched ticket per pool pCPU for the slice
	// computed by the last dispatch on this pCPU.
	Current []*Ticket

	topo  *topology.Topology
	arena *Arena

	// Scratch masks reused across dispatches; the dispatch path must
	// not allocate.
	scratchAssigned cpumask.Mask
	scratchChecked  cpumask.Mask
}

func NewLocalScheduler(cpu, numCPUs int, params config.Params, arena *Arena) *LocalScheduler {
	return &LocalScheduler{
		cpu:             cpu,
		params:          params,
		edf:             newEDFQueue(),
		actv:            newActivationQueue(),
		waiting:         make(map[int32]*Ticket),
		Current:         make([]*Ticket, numCPUs),
		arena:           arena,
		scratchAssigned: cpumask.New(numCPUs),
		scratchChecked:  cpumask.New(numCPUs),
	}
}

func (s *LocalScheduler) CPU() int { return s.cpu }

// SetTopology points the local scheduler at the published topology.
// Called during the post-barrier rebuild, never concurrently with
// dispatch.
func (s *LocalScheduler) SetTopology(t *topology.Topology) {
	s.topo = t
}

// Insert adds a freshly allocated ticket to the waiting-for-event set,
// the default container on pool join.
func (s *LocalScheduler) Insert(t *Ticket) {
	s.waiting[t.DomID()] = t
}

// EnqueueActivation places a ticket with initialized times into the
// activation queue. Used by the reconfiguration rebuild.
func (s *LocalScheduler) EnqueueActivation(t *Ticket) {
	s.actv.Insert(t)
}

func (s *LocalScheduler) locate(domid int32) (ticketLocus, *Ticket) {
	var (
		locus ticketLocus
		found *Ticket
		hits  int
	)

	if t := s.edf.SearchByDomain(domid); t != nil {
		locus, found, hits = locusEDF, t, hits+1
	}
	if t := s.actv.SearchByDomain(domid); t != nil {
		locus, found, hits = locusActivation, t, hits+1
	}
	if t, ok := s.waiting[domid]; ok {
		locus, found, hits = locusWaiting, t, hits+1
	}

	if hits > 1 {
		fatalf(logrus.Fields{"cpu": s.cpu, "domid": domid, "containers": hits},
			"ticket present in multiple containers")
	}
	if hits == 0 {
		return locusNotFound, nil
	}
	return locus, found
}

// Remove locates the ticket of the given vCPU's domain in exactly one
// of the three containers and excises it, returning the ticket to the
// arena. A ticket found nowhere is an invariant violation.
func (s *LocalScheduler) Remove(v *domain.VCPU) {
	domid := v.Dom.ID
	locus, t := s.locate(domid)

	switch locus {
	case locusEDF:
		s.edf.Remove(t)
	case locusActivation:
		s.actv.Remove(t)
	case locusWaiting:
		delete(s.waiting, domid)
	case locusNotFound:
		fatalf(logrus.Fields{"cpu": s.cpu, "domid": domid},
			"ticket not found in any container")
	}

	s.arena.Put(t)
}

// Discard removes the ticket of the given domain wherever it sits,
// including the current slots. Unlike Remove it tolerates absence; it
// is the teardown path, not the scheduling one.
func (s *LocalScheduler) Discard(domid int32) {
	locus, t := s.locate(domid)
	switch locus {
	case locusEDF:
		s.edf.Remove(t)
	case locusActivation:
		s.actv.Remove(t)
	case locusWaiting:
		delete(s.waiting, domid)
	case locusNotFound:
		var cur *Ticket
		for cpu := range s.Current {
			if c := s.Current[cpu]; c != nil && c.DomID() == domid {
				cur = c
				s.Current[cpu] = nil
			}
		}
		t = cur
	}
	if t != nil {
		s.arena.Put(t)
	}
}

// WaitingTicket returns the parked ticket of the given domain, if any.
func (s *LocalScheduler) WaitingTicket(domid int32) (*Ticket, bool) {
	t, ok := s.waiting[domid]
	return t, ok
}

// TakeWaiting removes and returns the parked ticket of the given
// domain. The reconfiguration rebuild parks tickets here transiently
// before initializing their times.
func (s *LocalScheduler) TakeWaiting(domid int32) (*Ticket, bool) {
	t, ok := s.waiting[domid]
	if ok {
		delete(s.waiting, domid)
	}
	return t, ok
}

// updateTimes applies the per-policy time-update rules to a ticket that
// just finished (part of) an activation, then parks it in the
// activation queue. Permanent domains carry infinite remaining time and
// are re-queued untouched.
func (s *LocalScheduler) updateTimes(t *Ticket, now int64) {
	spec := t.Dom.Policy

	if spec.Kind == policy.Permanent {
		s.actv.Insert(t)
		return
	}

	diff := now - t.ActivatedAt

	// Remaining time may dip below zero, but not much below.
	if diff < MinNegativeDiff {
		fatalf(logrus.Fields{
			"cpu":          s.cpu,
			"domid":        t.DomID(),
			"now_ns":       now,
			"activated_ns": t.ActivatedAt,
		}, "time ran backwards past the tolerated margin")
	}
	if diff < 0 {
		diff = 0
	}

	t.Remaining -= diff

	if t.Remaining < Margin {
		switch spec.Kind {
		case policy.TimeTrig:
			t.EarliestStart += spec.Period
			t.Deadline += spec.Period
			t.Remaining = spec.Active
		case policy.EventTrig:
			t.EarliestStart = policy.FloorTo(now, s.params.Grain)
			t.Deadline += spec.Period
			t.Remaining = spec.Active
		case policy.BestEffort:
			cohort := t.Dom.Cohort
			t.EarliestStart = policy.FloorTo(now, s.params.Grain)
			t.Deadline += int64(s.topo.BEDomsInCohort[cohort]) * s.params.BEPeriod
			t.Remaining = s.params.BEQuantum()
		default:
			fatalf(logrus.Fields{"cpu": s.cpu, "domid": t.DomID(), "policy": spec.Kind.String()},
				"domain with invalid time-multiplexing policy")
		}
	}

	s.actv.Insert(t)
}

// updateCurrentTickets settles the accounts of every dispatched ticket
// and clears the current-ticket slots. Gang tickets occupy one slot per
// pCPU of their domain; the checked mask ensures each is updated once.
func (s *LocalScheduler) updateCurrentTickets(now int64) {
	checked := s.scratchChecked
	checked.ClearAll()

	for cpu := range s.Current {
		if checked.Test(cpu) {
			continue
		}
		t := s.Current[cpu]
		if t == nil {
			continue
		}
		s.updateTimes(t, now)
		t.OnMyBehalf = nil
		checked.Or(checked, t.Dom.Mask)
	}

	for cpu := range s.Current {
		s.Current[cpu] = nil
	}
}

// Advance updates the dispatched tickets for the elapsed slice, then
// migrates every ticket whose earliest start time has arrived from the
// activation queue into the EDF runnable queue. It returns the earliest
// upcoming activation time, or Infinity when the activation queue is
// empty.
func (s *LocalScheduler) Advance(now int64) int64 {
	s.updateCurrentTickets(now)

	if now == policy.Infinity {
		return policy.Infinity
	}

	for {
		head := s.actv.Head()
		if head == nil || head.EarliestStart > now {
			break
		}
		s.actv.PopHead()

		if head.wasWaiting() {
			head.clearWasWaiting()
		}

		s.edf.Insert(head)
	}

	if head := s.actv.Head(); head != nil {
		return head.EarliestStart
	}
	return policy.Infinity
}

// Reset discards every ticket back to the arena and reinitializes the
// queues. Reconfiguration uses it for the wholesale (v0) local rebuild;
// prior time-usage information is deliberately dropped.
func (s *LocalScheduler) Reset() {
	s.edf.Drain(func(t *Ticket) { s.arena.Put(t) })
	s.actv.Drain(func(t *Ticket) { s.arena.Put(t) })

	for domid, t := range s.waiting {
		delete(s.waiting, domid)
		s.arena.Put(t)
	}

	// A gang ticket occupies one slot per pCPU of its domain; dedupe by
	// identity, since the domain mask may already describe the new
	// placement by the time the rebuild resets this scheduler.
	for cpu := range s.Current {
		t := s.Current[cpu]
		if t == nil {
			continue
		}
		s.Current[cpu] = nil
		for c := cpu + 1; c < len(s.Current); c++ {
			if s.Current[c] == t {
				s.Current[c] = nil
			}
		}
		s.arena.Put(t)
	}
}

// counts used by tests and diagnostics.

func (s *LocalScheduler) RunnableCount() int   { return s.edf.Len() }
func (s *LocalScheduler) ActivationCount() int { return s.actv.Len() }
func (s *LocalScheduler) WaitingCount() int    { return len(s.waiting) }

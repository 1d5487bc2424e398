package sched

import (
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/policy"

	"github.com/sirupsen/logrus"
)

// Decision is the outcome of one dispatch on one pCPU: the vCPU to run
// (nil for idle) and the slice length in nanoseconds, -1 meaning no
// limit.
type Decision struct {
	CPU   int
	VCPU  *domain.VCPU
	DomID int32
	Slice int64
}

func (d Decision) Idle() bool { return d.VCPU == nil }

// Dispatch runs the per-tick scheduling protocol on the given local
// scheduler. running is the ticket of the vCPU currently executing on
// this pCPU (nil when idle); it is consulted for single-vCPU-yield
// handling.
func Dispatch(s *LocalScheduler, now int64, taskletPending bool, running *Ticket) Decision {
	var (
		ticket   *Ticket
		sliceEnd = policy.Infinity

		numRunnable     = 0
		nonMuxedPresent = false
	)

	if s.topo == nil || s.topo.NumCohorts == 0 {
		// No domains in the gang-scheduled pool.
		return makeDecision(s, nil, sliceEnd, now)
	}

	earliestActv := s.Advance(now)

	if taskletPending {
		// This pCPU got a tasklet; yield the slice to idle.
		return makeDecision(s, nil, sliceEnd, now)
	}

	cohort := s.topo.CohortOf(s.cpu)
	assigned := s.scratchAssigned
	assigned.ClearAll()

	for !s.edf.Empty() {
		t := s.edf.PopHead()
		dom := t.Dom
		numRunnable++

		if !assigned.Intersects(dom.Mask) {
			assigned.Or(assigned, dom.Mask)

			dom.Mask.ForEach(func(cpu int) {
				if s.Current[cpu] != nil {
					fatalf(logrus.Fields{"cpu": s.cpu, "slot": cpu, "domid": dom.ID},
						"current-ticket slot already occupied")
				}
				s.Current[cpu] = t
			})

			t.ActivatedAt = now

			if dom.Policy.Kind == policy.Permanent {
				nonMuxedPresent = true
				if t.Remaining != policy.Infinity {
					fatalf(logrus.Fields{"cpu": s.cpu, "domid": dom.ID},
						"permanent domain with finite remaining time")
				}
			} else {
				if t.Remaining == policy.Infinity {
					fatalf(logrus.Fields{"cpu": s.cpu, "domid": dom.ID},
						"multiplexed domain with infinite remaining time")
				}
				if t.Remaining < Margin {
					fatalf(logrus.Fields{"cpu": s.cpu, "domid": dom.ID, "remaining_ns": t.Remaining},
						"multiplexed domain dispatched below the remaining-time margin")
				}
				if end := now + t.Remaining; end < sliceEnd {
					sliceEnd = end
				}
			}
		} else {
			// The domain overlaps pCPUs already handed out this slice:
			// skip it, but bound the slice so it gets reconsidered by
			// the time it could still meet its deadline.
			tval := t.Deadline - t.Remaining
			if tval <= 0 {
				fatalf(logrus.Fields{"cpu": s.cpu, "domid": dom.ID, "deadline_ns": t.Deadline},
					"skipped ticket with non-positive latest start time")
			}
			if tval <= now {
				logSliceClamp(s.cpu, dom.ID, tval, now)
				tval = now + 1_000_000
			}
			if tval < sliceEnd {
				sliceEnd = tval
			}

			// The skipped ticket goes back to the activation queue with
			// its times untouched; its earliest start may already be
			// due, in which case the next advance re-runs it.
			s.actv.Insert(t)
		}

		if assigned.Equal(cohort) {
			// Every pCPU of the cohort has a ticket; done.
			break
		}
	}

	if nonMuxedPresent && numRunnable > 1 {
		fatalf(logrus.Fields{"cpu": s.cpu, "cohort": s.topo.CPUToCohort[s.cpu]},
			"permanent domain dispatched together with other domains")
	}

	ticket = s.Current[s.cpu]

	if earliestActv < sliceEnd {
		sliceEnd = earliestActv
	}
	if sliceEnd < policy.Infinity {
		sliceEnd = policy.FloorTo(sliceEnd, s.params.Grain)
	}

	// Single-vCPU yield handling: if the vCPU selected to continue is
	// the one that just yielded, try a space-filling substitute, else
	// run idle for the slice. Permanent domains ignore the yield bit.
	if running != nil {
		if ticket == running && running.Dom.Policy.Kind != policy.Permanent && running.yielding() {
			ticket.OnMyBehalf = substituteTicket(s)
			if ticket.OnMyBehalf == nil {
				// No substitute available; force the idle vCPU.
				ticket = nil
			}
		}
		running.clearYield()
	}

	return makeDecision(s, ticket, sliceEnd, now)
}

// makeDecision materializes the (vCPU, slice) pair.
func makeDecision(s *LocalScheduler, ticket *Ticket, sliceEnd, now int64) Decision {
	dec := Decision{CPU: s.cpu, Slice: -1}

	if ticket != nil {
		selected := ticket
		if ticket.OnMyBehalf != nil {
			selected = ticket.OnMyBehalf
		}
		if selected.VCPU == nil {
			fatalf(logrus.Fields{"cpu": s.cpu, "domid": selected.DomID()},
				"selected ticket has no vCPU on this pCPU")
		}
		dec.VCPU = selected.VCPU
		dec.DomID = selected.DomID()
	}

	if sliceEnd < policy.Infinity {
		dec.Slice = sliceEnd - now
		if dec.Slice < 0 {
			dec.Slice = 0
		}
	}

	return dec
}

// substituteTicket picks a space-filling ticket whose vCPU is blocked,
// searching the EDF runnable queue first and the activation queue
// second. It returns nil when no candidate exists.
func substituteTicket(s *LocalScheduler) *Ticket {
	var found *Ticket

	pick := func(t *Ticket) bool {
		if t.Dom.Policy.SpaceFilling() && t.VCPU != nil && t.VCPU.Blocked {
			found = t
			return false
		}
		return true
	}

	s.edf.Ascend(pick)
	if found == nil {
		s.actv.Ascend(pick)
	}
	return found
}

func logSliceClamp(cpu int, domid int32, tval, now int64) {
	logging.GetDispatchLogger().WithFields(logrus.Fields{
		"cpu":             cpu,
		"domid":           domid,
		"latest_start_ns": tval,
		"now_ns":          now,
	}).Warn("Potential end of time slice not in the future, clamping")
}

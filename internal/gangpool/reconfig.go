package gangpool

import (
	"fmt"
	"time"

	"gangsched/internal/admission"
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/policy"
	"gangsched/internal/topology"

	"github.com/sirupsen/logrus"
)

// adjustParams carries everything the per-pCPU adjust routine needs:
// the updated domain planning records, the scratch topology to publish,
// the clock reference, and the barrier arithmetic.
type adjustParams struct {
	snaps []*domain.Domain
	topo  *topology.Topology

	now           int64
	designatedCPU int
	involvedCPUs  int
}

// AdjustGlobal sets (put) or fetches (get) the scheduling configuration
// of every domain in the pool. callerCPU is the pCPU the call runs on;
// it must lie outside the managed pool (-1 for an external caller, e.g.
// the control domain). Concurrent invocations fail with ErrBusy.
func (p *Pool) AdjustGlobal(req Request, callerCPU int) ([]DomEntry, error) {
	if p.poolMask.Test(callerCPU) {
		return nil, fmt.Errorf("%w: caller on pool pCPU %d", ErrPermission, callerCPU)
	}

	if p.execCount.Add(1) > 1 {
		p.execCount.Add(-1)
		return nil, ErrBusy
	}
	defer p.execCount.Add(-1)

	switch req.Command {
	case Put:
		if err := p.putConfig(req); err != nil {
			return nil, err
		}
		return nil, nil
	case Get:
		return p.getConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown command %d", ErrFault, req.Command)
	}
}

func (p *Pool) getConfig() []DomEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	doms := p.domainsSorted()
	entries := make([]DomEntry, 0, len(doms))
	for _, d := range doms {
		entries = append(entries, DomEntry{
			DomID:  d.ID,
			CPUMap: d.Mask.Clone(),
			Policy: d.Policy,
		})
	}
	return entries
}

func (p *Pool) putConfig(req Request) error {
	logger := logging.GetLogger()

	if err := p.validateRequest(req); err != nil {
		return err
	}

	p.mu.Lock()
	// Snapshot every domain record and overlay the requested changes.
	// Nothing observable changes until the commit publishes.
	snaps := make([]*domain.Domain, 0, len(p.domains))
	byID := make(map[int32]*domain.Domain, len(p.domains))
	for _, d := range p.domainsSorted() {
		s := d.Snapshot()
		snaps = append(snaps, s)
		byID[s.ID] = s
	}
	p.mu.Unlock()

	for _, e := range req.Entries {
		s := byID[e.DomID]
		s.Mask = e.CPUMap.Clone()
		s.Policy = e.Policy
	}

	// Every pool domain must end up with a placement: domains that have
	// never been configured must be covered by this request.
	for _, s := range snaps {
		if !s.Policy.Kind.Valid() || s.Mask.IsEmpty() {
			return fmt.Errorf("%w: domain %d has no placement; include it in the request",
				ErrInvalid, s.ID)
		}
	}

	// Derive the new cohort partition into scratch arrays.
	scratch, err := topology.Build(snaps, p.numCPUs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := admission.Check(snaps, p.poolMask, p.params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if need := p.ticketsNeeded(snaps, scratch); need > MaxDomains*p.numCPUs {
		return fmt.Errorf("%w: rebuild needs %d tickets", ErrNoMemory, need)
	}

	// Commit: pause the pool behind two barriers, publish, rebuild.
	prm := &adjustParams{
		snaps:         snaps,
		topo:          scratch,
		now:           p.host.Now(),
		designatedCPU: p.poolMask.First(),
		involvedCPUs:  p.poolMask.Weight(),
	}

	p.smpAdjustAndPause(prm)
	p.unpauseDomains(snaps)
	p.smpResumeAfterAdjust()

	logger.WithFields(logrus.Fields{
		"pool_id": p.id,
		"domains": len(req.Entries),
		"cohorts": scratch.NumCohorts,
	}).Info("Reconfiguration committed")

	return nil
}

func (p *Pool) validateRequest(req Request) error {
	n := len(req.Entries)
	if n < 1 || n > MaxDomains {
		return fmt.Errorf("%w: %d domain entries", ErrInvalid, n)
	}

	seen := make(map[int32]bool, n)
	for i, e := range req.Entries {
		if e.DomID <= 0 {
			return fmt.Errorf("%w: entry %d has invalid domain id %d", ErrInvalid, i, e.DomID)
		}
		if seen[e.DomID] {
			return fmt.Errorf("%w: duplicate domain id %d", ErrInvalid, e.DomID)
		}
		seen[e.DomID] = true

		p.mu.Lock()
		d, ok := p.domains[e.DomID]
		p.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: domain %d does not exist in pool %d", ErrInvalid, e.DomID, p.id)
		}

		vcpus := len(d.VCPUs)
		if vcpus > p.poolMask.Weight() {
			return fmt.Errorf("%w: domain %d has %d vCPUs but the pool has %d pCPUs",
				ErrInvalid, e.DomID, vcpus, p.poolMask.Weight())
		}
		if !e.CPUMap.Subset(p.poolMask) {
			return fmt.Errorf("%w: domain %d mask %s not a subset of the pool",
				ErrInvalid, e.DomID, e.CPUMap)
		}
		if w := e.CPUMap.Weight(); w != vcpus {
			return fmt.Errorf("%w: domain %d assigned %d pCPUs for %d vCPUs",
				ErrInvalid, e.DomID, w, vcpus)
		}
		if !e.Policy.Kind.Valid() {
			return fmt.Errorf("%w: domain %d policy kind not set", ErrInvalid, e.DomID)
		}
		if err := e.Policy.Validate(p.params.Grain); err != nil {
			return fmt.Errorf("%w: domain %d: %v", ErrInvalid, e.DomID, err)
		}
	}

	return nil
}

// ticketsNeeded counts the tickets the v0 rebuild will allocate: one
// per (pCPU, domain-in-that-pCPU's-cohort) pair.
func (p *Pool) ticketsNeeded(snaps []*domain.Domain, topo *topology.Topology) int {
	need := 0
	for _, s := range snaps {
		if s.Cohort >= 0 {
			need += topo.Cohorts[s.Cohort].Weight()
		}
	}
	return need
}

// smpAdjustAndPause fans the adjust-and-pause routine out to every pool
// pCPU and waits (bounded) for all of them to pass both barriers.
func (p *Pool) smpAdjustAndPause(prm *adjustParams) {
	logger := logging.GetLogger()

	p.poolMask.ForEach(func(cpu int) {
		p.adjACK[cpu].Store(0)
		p.adjPaused[cpu].Store(1)
	})
	p.pausedCount.Store(0)

	// Cross-CPU call; do not wait.
	p.host.OnSelectedCPUs(p.poolMask, func(cpu int) {
		p.adjustAndPauseCPU(cpu, prm)
	})

	// Give the pool half the adjustment upper bound to finish both
	// barriers and enter the pause loop.
	timeout := p.params.AdjustUpperBound / int64(time.Millisecond) / 2
	for p.pausedCount.Load() < int32(2*prm.involvedCPUs) && timeout > 0 {
		time.Sleep(time.Millisecond)
		timeout--
	}

	if p.pausedCount.Load() < int32(2*prm.involvedCPUs) {
		missing := p.missingCPUs(func(cpu int) bool { return p.adjACK[cpu].Load() == 0 })
		logger.WithFields(logrus.Fields{
			"pool_id":      p.id,
			"missing_cpus": missing,
		}).Warn("Not all pool pCPUs completed adjustment and paused")
	}
}

// adjustAndPauseCPU is the routine every pool pCPU runs during a
// commit. Between the barriers exactly one pCPU (the designated one)
// publishes the scratch topology and migrates vCPU pinnings; after the
// second barrier every pCPU rebuilds its local scheduler, then spins
// until the coordinator releases it.
func (p *Pool) adjustAndPauseCPU(cpu int, prm *adjustParams) {
	p.adjACK[cpu].Store(1)

	// Barrier 1: wait until every involved pCPU has arrived.
	p.pausedCount.Add(1)
	for p.pausedCount.Load() < int32(prm.involvedCPUs) {
		time.Sleep(barrierSpinDelay)
	}

	if cpu == prm.designatedCPU {
		p.publishTopology(prm)
	}

	// Barrier 2: wait until the publication is done everywhere. A pCPU
	// the coordinator has already released passes as well: released
	// peers may have undone their increments before this one looked.
	p.pausedCount.Add(1)
	for p.pausedCount.Load() < int32(2*prm.involvedCPUs) && p.adjPaused[cpu].Load() != 0 {
		time.Sleep(barrierSpinDelay)
	}

	p.rebuildLocalSched(cpu, prm)

	// Pause until the coordinator clears the flag.
	for p.adjPaused[cpu].Load() != 0 {
		time.Sleep(barrierSpinDelay)
	}

	// Undo both barrier increments.
	p.pausedCount.Add(-2)
	p.adjACK[cpu].Store(0)
}

// publishTopology runs on the designated pCPU between the barriers: it
// swaps in the new topology arrays, copies the planned records into the
// live domain records, and re-pins every affected vCPU to its new pCPU.
func (p *Pool) publishTopology(prm *adjustParams) {
	p.topo.Store(prm.topo)

	for _, s := range prm.snaps {
		p.mu.Lock()
		d := p.domains[s.ID]
		p.mu.Unlock()

		d.Mask.CopyFrom(s.Mask)
		d.Policy = s.Policy
		d.Cohort = s.Cohort

		cpu := s.Mask.First()
		for _, v := range d.VCPUs {
			v.Processor = cpu
			cpu = s.Mask.NextAfter(cpu)
		}

		logging.GetLogger().WithFields(logrus.Fields{
			"domid":  d.ID,
			"mask":   d.Mask.String(),
			"policy": d.Policy.Kind.String(),
			"cohort": d.Cohort,
		}).Debug("Published domain placement")
	}
}

// rebuildLocalSched is the v0 strategy: discard all prior tickets and
// rebuild this pCPU's scheduler from the new configuration. Prior time
// usage is lost; every domain restarts from the adjusted clock
// reference.
func (p *Pool) rebuildLocalSched(cpu int, prm *adjustParams) {
	ls := p.locals[cpu]
	ls.Reset()
	ls.SetTopology(prm.topo)
	p.running[cpu] = nil

	cohort := prm.topo.CPUToCohort[cpu]
	if cohort < 0 {
		return
	}

	// The expected time at which the adjustment is complete and
	// scheduling resumes.
	willResumeAt := policy.CeilTo(prm.now+p.params.AdjustUpperBound, p.params.Grain)

	var (
		beCounter       int
		muxedInCohort   bool
		nonMuxedID      int32
		nonMuxedPresent bool
	)

	for _, s := range prm.snaps {
		if s.Cohort != cohort {
			// The domain is not in this cohort; the local scheduler
			// does not need to know about it.
			continue
		}

		v := s.VCPUOn(cpu)
		gotThisCPU := s.Mask.Test(cpu)
		if gotThisCPU != (v != nil) {
			logging.GetDispatchLogger().WithFields(logrus.Fields{
				"cpu":   cpu,
				"domid": s.ID,
			}).Panic("vCPU pinning inconsistent with domain mask")
		}

		p.mu.Lock()
		d := p.domains[s.ID]
		p.mu.Unlock()

		tkt := p.arena.Get(v, d)
		if tkt == nil {
			logging.GetDispatchLogger().WithFields(logrus.Fields{
				"cpu":   cpu,
				"domid": s.ID,
			}).Panic("ticket arena exhausted during rebuild")
		}

		// Fresh tickets park in the waiting set until their times are
		// initialized below.
		ls.Insert(tkt)

		if s.Policy.Kind == policy.Permanent {
			nonMuxedPresent = true
			nonMuxedID = s.ID
		} else {
			muxedInCohort = true
		}
		if nonMuxedPresent && muxedInCohort {
			logging.GetDispatchLogger().WithFields(logrus.Fields{
				"cpu":    cpu,
				"domid":  nonMuxedID,
				"cohort": cohort,
			}).Panic("permanent domain shares a cohort with multiplexed domains")
		}

		if taken, ok := ls.TakeWaiting(s.ID); !ok || taken != tkt {
			logging.GetDispatchLogger().WithFields(logrus.Fields{
				"cpu":   cpu,
				"domid": s.ID,
			}).Panic("parked rebuild ticket lost from the waiting set")
		}

		switch s.Policy.Kind {
		case policy.Permanent:
			tkt.Remaining = policy.Infinity
			tkt.EarliestStart = max64(s.Policy.From, willResumeAt)
			tkt.Deadline = policy.Infinity
		case policy.TimeTrig, policy.EventTrig:
			tkt.Remaining = s.Policy.Active
			tkt.EarliestStart = policy.AlignUp(willResumeAt, s.Policy.From, s.Policy.Period)
			tkt.Deadline = tkt.EarliestStart + s.Policy.Period
		case policy.BestEffort:
			tkt.EarliestStart = policy.AlignUp(willResumeAt, s.Policy.From, p.params.BEPeriod)
			beCounter++
			tkt.Deadline = tkt.EarliestStart + int64(beCounter)*p.params.BEPeriod
			tkt.Remaining = p.params.BEQuantum()
		}

		ls.EnqueueActivation(tkt)
	}
}

// unpauseDomains clears the pause state of every domain involved in the
// adjustment and makes their vCPUs runnable, crediting blocked runstate
// time.
func (p *Pool) unpauseDomains(snaps []*domain.Domain) {
	now := p.host.Now()

	for _, s := range snaps {
		p.mu.Lock()
		d := p.domains[s.ID]
		p.mu.Unlock()

		d.Paused = 0
		for _, v := range d.VCPUs {
			v.PollEvtchn = 0
			v.Blocked = false
			if v.Runstate >= domain.Blocked {
				v.SetRunstate(domain.Runnable, now)
			}
		}
	}
}

// smpResumeAfterAdjust raises the schedule softirq on the pool, clears
// every pause flag, and waits (bounded) for the paused counter to
// drain.
func (p *Pool) smpResumeAfterAdjust() {
	logger := logging.GetLogger()

	p.host.RaiseScheduleSoftirq(p.poolMask)

	p.poolMask.ForEach(func(cpu int) {
		p.adjPaused[cpu].Store(0)
	})

	timeout := p.params.AdjustUpperBound / int64(time.Millisecond) / 2
	for p.pausedCount.Load() > 0 && timeout > 0 {
		time.Sleep(time.Millisecond)
		timeout--
	}

	if p.pausedCount.Load() > 0 {
		missing := p.missingCPUs(func(cpu int) bool { return p.adjACK[cpu].Load() != 0 })
		logger.WithFields(logrus.Fields{
			"pool_id":      p.id,
			"missing_cpus": missing,
		}).Warn("Not all pool pCPUs resumed execution")
	}
}

func (p *Pool) missingCPUs(pred func(cpu int) bool) []int {
	var missing []int
	p.poolMask.ForEach(func(cpu int) {
		if pred(cpu) {
			missing = append(missing, cpu)
		}
	})
	return missing
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

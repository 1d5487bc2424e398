package domain

import (
	"gangsched/internal/cpumask"
	"gangsched/internal/policy"
)

// Runstate mirrors the coarse vCPU execution states tracked for
// runstate-time accounting.
type Runstate int

const (
	Running Runstate = iota
	Runnable
	Blocked
	Offline
)

// VCPU is a virtual processor belonging to exactly one domain.
type VCPU struct {
	ID  int
	Dom *Domain

	// Processor is the pCPU this vCPU is pinned to. Set only by the
	// reconfiguration coordinator; -1 before first placement.
	Processor int

	// Blocked marks the vCPU as blocked on an event.
	Blocked bool

	Runstate      Runstate
	RunstateEntry int64
	RunstateTime  [4]int64

	PollEvtchn int32
}

// SetRunstate moves the vCPU to a new runstate at the given time,
// crediting the elapsed interval to the state being left.
func (v *VCPU) SetRunstate(state Runstate, now int64) {
	delta := now - v.RunstateEntry
	if delta > 0 {
		v.RunstateTime[v.Runstate] += delta
		v.RunstateEntry = now
	}
	v.Runstate = state
}

// Domain is the per-domain scheduling record: the pCPU mask it owns,
// its time-multiplexing policy, and its cohort placement. It is owned
// by the pool's topology layer and mutated only by the reconfiguration
// coordinator.
type Domain struct {
	ID     int32
	Mask   cpumask.Mask
	Policy policy.Spec
	Cohort int

	VCPUs []*VCPU

	// Paused counts controller pauses; cleared when a reconfiguration
	// unpauses the domain.
	Paused int
}

// New creates a domain with nvcpus unplaced vCPUs, no policy, and no
// cohort.
func New(id int32, nvcpus int, poolSize int) *Domain {
	d := &Domain{
		ID:     id,
		Mask:   cpumask.New(poolSize),
		Policy: policy.Spec{Kind: policy.NotSet},
		Cohort: -1,
	}
	for i := 0; i < nvcpus; i++ {
		d.VCPUs = append(d.VCPUs, &VCPU{ID: i, Dom: d, Processor: -1})
	}
	return d
}

// VCPUOn returns the domain's vCPU pinned to the given pCPU, or nil.
func (d *Domain) VCPUOn(cpu int) *VCPU {
	for _, v := range d.VCPUs {
		if v.Processor == cpu {
			return v
		}
	}
	return nil
}

// Snapshot returns a copy of the record with cohort reset, suitable as
// scratch input to a topology rebuild. The vCPU slice is shared: the
// snapshot is a planning record, not an execution one.
func (d *Domain) Snapshot() *Domain {
	return &Domain{
		ID:     d.ID,
		Mask:   d.Mask.Clone(),
		Policy: d.Policy,
		Cohort: -1,
		VCPUs:  d.VCPUs,
	}
}

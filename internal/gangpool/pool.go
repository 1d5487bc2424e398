package gangpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gangsched/internal/config"
	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/sched"
	"gangsched/internal/topology"
	"gangsched/internal/trace"

	"github.com/sirupsen/logrus"
)

// Pool is the gang-scheduled CPU pool: the pool-scoped home of the
// published topology arrays, the per-pCPU local schedulers, the domain
// records, and the reconfiguration machinery. The topology is
// single-writer (the designated pCPU between the two commit barriers)
// and many-reader; domain records are mutated only by the coordinator.
type Pool struct {
	id       uint32
	numCPUs  int
	poolMask cpumask.Mask
	params   config.Params
	host     Host

	mu      sync.Mutex
	domains map[int32]*domain.Domain

	topo atomic.Pointer[topology.Topology]

	locals  []*sched.LocalScheduler
	arena   *sched.Arena
	running []*sched.Ticket

	// Per-pCPU reconfiguration coordination flags and the global
	// paused counter.
	adjACK      []atomic.Int32
	adjPaused   []atomic.Int32
	pausedCount atomic.Int32
	execCount   atomic.Int32

	recorder trace.Recorder
}

// New creates a pool over pCPUs 0..numCPUs-1 with the given parameters.
func New(id uint32, numCPUs int, params config.Params, host Host) *Pool {
	params.Normalize()

	poolMask := cpumask.New(numCPUs)
	poolMask.SetAll()

	arena := sched.NewArena(MaxDomains * numCPUs)

	p := &Pool{
		id:        id,
		numCPUs:   numCPUs,
		poolMask:  poolMask,
		params:    params,
		host:      host,
		domains:   make(map[int32]*domain.Domain),
		locals:    make([]*sched.LocalScheduler, numCPUs),
		arena:     arena,
		running:   make([]*sched.Ticket, numCPUs),
		adjACK:    make([]atomic.Int32, numCPUs),
		adjPaused: make([]atomic.Int32, numCPUs),
		recorder:  trace.Nop{},
	}

	for cpu := 0; cpu < numCPUs; cpu++ {
		p.locals[cpu] = sched.NewLocalScheduler(cpu, numCPUs, params, arena)
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"pool_id": id,
		"cpus":    numCPUs,
	}).Info("Created gang-scheduled pool")

	return p
}

func (p *Pool) ID() uint32            { return p.id }
func (p *Pool) NumCPUs() int          { return p.numCPUs }
func (p *Pool) Mask() cpumask.Mask    { return p.poolMask }
func (p *Pool) Params() config.Params { return p.params }

// SetRecorder installs a dispatch trace recorder. Must be set before
// dispatching starts.
func (p *Pool) SetRecorder(r trace.Recorder) {
	if r == nil {
		r = trace.Nop{}
	}
	p.recorder = r
}

// Topology returns the currently published topology, nil before the
// first reconfiguration commit.
func (p *Pool) Topology() *topology.Topology {
	return p.topo.Load()
}

// AddDomain registers a domain with the pool. The domain starts with no
// policy and no placement; it only becomes schedulable through a
// configuration put.
func (p *Pool) AddDomain(id int32, nvcpus int) (*domain.Domain, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: domain id %d must be positive", ErrInvalid, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.domains[id]; ok {
		return nil, fmt.Errorf("%w: domain %d already exists", ErrInvalid, id)
	}
	if nvcpus < 1 || nvcpus > p.numCPUs {
		return nil, fmt.Errorf("%w: domain %d with %d vCPUs in a pool of %d pCPUs",
			ErrInvalid, id, nvcpus, p.numCPUs)
	}

	d := domain.New(id, nvcpus, p.numCPUs)
	p.domains[id] = d

	logging.GetLogger().WithFields(logrus.Fields{
		"pool_id": p.id,
		"domid":   id,
		"vcpus":   nvcpus,
	}).Info("Domain joined pool")

	return d, nil
}

// RemoveDomain tears a domain down, excising any tickets it still has
// in the local schedulers of its cohort.
func (p *Pool) RemoveDomain(id int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.domains[id]
	if !ok {
		return fmt.Errorf("%w: domain %d does not exist", ErrInvalid, id)
	}

	if topo := p.topo.Load(); topo != nil && d.Cohort >= 0 {
		topo.Cohorts[d.Cohort].ForEach(func(cpu int) {
			p.locals[cpu].Discard(id)
		})
	}
	delete(p.domains, id)

	logging.GetLogger().WithFields(logrus.Fields{
		"pool_id": p.id,
		"domid":   id,
	}).Info("Domain left pool")

	return nil
}

// Domain returns the record of a registered domain.
func (p *Pool) Domain(id int32) (*domain.Domain, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.domains[id]
	return d, ok
}

// domainsSorted returns the pool's domains in ascending ID order.
func (p *Pool) domainsSorted() []*domain.Domain {
	out := make([]*domain.Domain, 0, len(p.domains))
	for _, d := range p.domains {
		out = append(out, d)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Schedule runs one dispatch on the given pCPU. The host invokes it on
// every scheduling event in that pCPU's context; calls for the same
// pCPU are serialized by the host's scheduler lock.
func (p *Pool) Schedule(cpu int, now int64, taskletPending bool) sched.Decision {
	ls := p.locals[cpu]
	dec := sched.Dispatch(ls, now, taskletPending, p.running[cpu])
	p.running[cpu] = ls.Current[cpu]

	p.recorder.RecordDispatch(trace.Point{
		PoolID: p.id,
		CPU:    cpu,
		DomID:  dec.DomID,
		Idle:   dec.Idle(),
		Now:    now,
		Slice:  dec.Slice,
	})

	return dec
}

// Yield records a single-vCPU yield for the given vCPU. The next
// dispatch on its pCPU consumes the bit.
func (p *Pool) Yield(v *domain.VCPU) {
	cpu := v.Processor
	if cpu < 0 || cpu >= p.numCPUs {
		return
	}
	if t := p.running[cpu]; t != nil && t.Dom == v.Dom {
		t.Yield()
	}
}

package topology

import (
	"fmt"
	"sort"

	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/policy"

	"github.com/sirupsen/logrus"
)

// Topology is the derived partition of a pool's pCPUs into cohorts: the
// maximal pCPU sets whose local schedulers must share an identical view
// for the gang property to hold. It is rebuilt from the full domain set
// on every reconfiguration and published atomically between the two
// commit barriers; dispatchers only ever read it.
type Topology struct {
	NumCPUs int

	// Cohorts holds one pCPU mask per cohort, indexes 0..NumCohorts-1.
	Cohorts []cpumask.Mask

	// CPUToCohort maps each pCPU to its cohort ID, -1 when the pCPU is
	// in no cohort.
	CPUToCohort []int

	// BEDomsInCohort counts the best-effort domains placed in each
	// cohort.
	BEDomsInCohort []int

	NumCohorts int
}

// Build derives the cohort partition for the given domain records and
// assigns every domain its cohort ID. Domains are processed in
// ascending ID order so the result is deterministic. A domain whose
// mask ends up contained in no cohort indicates a construction bug and
// is reported as an error.
func Build(domains []*domain.Domain, numCPUs int) (*Topology, error) {
	t := &Topology{
		NumCPUs:        numCPUs,
		Cohorts:        make([]cpumask.Mask, numCPUs),
		CPUToCohort:    make([]int, numCPUs),
		BEDomsInCohort: make([]int, numCPUs),
	}
	for i := range t.Cohorts {
		t.Cohorts[i] = cpumask.New(numCPUs)
	}
	for i := range t.CPUToCohort {
		t.CPUToCohort[i] = -1
	}

	ordered := make([]*domain.Domain, len(domains))
	copy(ordered, domains)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, d := range ordered {
		t.addMask(d.Mask)
	}

	if t.NumCohorts == 0 {
		return nil, fmt.Errorf("no cohorts could be formed from %d domains", len(domains))
	}

	for k := 0; k < t.NumCohorts; k++ {
		t.Cohorts[k].ForEach(func(cpu int) {
			t.CPUToCohort[cpu] = k
		})
	}

	for _, d := range ordered {
		k, ok := t.cohortContaining(d.Mask)
		if !ok {
			return nil, fmt.Errorf("domain %d: mask %s contained in no cohort", d.ID, d.Mask)
		}
		d.Cohort = k
	}

	for _, d := range ordered {
		if d.Policy.Kind == policy.BestEffort {
			t.BEDomsInCohort[d.Cohort]++
		}
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"domains": len(domains),
		"cohorts": t.NumCohorts,
	}).Debug("Built cohort topology")

	return t, nil
}

// addMask folds one domain mask into the cohort set: expand the first
// intersecting cohort, or create a new one, then merge any cohorts the
// expansion made overlap.
func (t *Topology) addMask(m cpumask.Mask) {
	intersected := false
	for k := 0; k < t.NumCohorts; k++ {
		if m.Intersects(t.Cohorts[k]) {
			if !m.Subset(t.Cohorts[k]) {
				t.Cohorts[k].Or(t.Cohorts[k], m)
			}
			intersected = true
			break
		}
	}

	if !intersected {
		t.Cohorts[t.NumCohorts].CopyFrom(m)
		t.NumCohorts++
	}

	// Expanding a cohort may have made it overlap with a later one;
	// merge until the family is disjoint again.
	i := 0
	for i < t.NumCohorts-1 {
		merged := false
		for j := i + 1; j < t.NumCohorts; j++ {
			if t.Cohorts[i].Intersects(t.Cohorts[j]) {
				t.Cohorts[i].Or(t.Cohorts[i], t.Cohorts[j])
				for k := j + 1; k < t.NumCohorts; k++ {
					t.Cohorts[k-1].CopyFrom(t.Cohorts[k])
				}
				t.Cohorts[t.NumCohorts-1].ClearAll()
				t.NumCohorts--
				i = 0
				merged = true
				break
			}
		}
		if !merged {
			i++
		}
	}
}

func (t *Topology) cohortContaining(m cpumask.Mask) (int, bool) {
	for k := 0; k < t.NumCohorts; k++ {
		if m.Subset(t.Cohorts[k]) {
			return k, true
		}
	}
	return -1, false
}

// CohortOf returns the cohort mask of the given pCPU, or an empty mask
// when the pCPU is in no cohort.
func (t *Topology) CohortOf(cpu int) cpumask.Mask {
	k := t.CPUToCohort[cpu]
	if k < 0 {
		return cpumask.New(t.NumCPUs)
	}
	return t.Cohorts[k]
}

// Clone deep-copies the topology. Reconfiguration builds into a scratch
// copy and publishes it wholesale.
func (t *Topology) Clone() *Topology {
	cp := &Topology{
		NumCPUs:        t.NumCPUs,
		Cohorts:        make([]cpumask.Mask, len(t.Cohorts)),
		CPUToCohort:    append([]int(nil), t.CPUToCohort...),
		BEDomsInCohort: append([]int(nil), t.BEDomsInCohort...),
		NumCohorts:     t.NumCohorts,
	}
	for i := range t.Cohorts {
		cp.Cohorts[i] = t.Cohorts[i].Clone()
	}
	return cp
}

// Equal reports whether two topologies publish identical arrays.
func (t *Topology) Equal(o *Topology) bool {
	if t.NumCPUs != o.NumCPUs || t.NumCohorts != o.NumCohorts {
		return false
	}
	for i := range t.Cohorts {
		if !t.Cohorts[i].Equal(o.Cohorts[i]) {
			return false
		}
	}
	for i := range t.CPUToCohort {
		if t.CPUToCohort[i] != o.CPUToCohort[i] {
			return false
		}
	}
	for i := range t.BEDomsInCohort {
		if t.BEDomsInCohort[i] != o.BEDomsInCohort[i] {
			return false
		}
	}
	return true
}

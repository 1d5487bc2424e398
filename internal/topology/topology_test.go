package topology

import (
	"testing"

	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/policy"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func makeDomain(t *testing.T, id int32, poolSize int, spec string) *domain.Domain {
	t.Helper()
	m, err := cpumask.ParseMask(poolSize, spec)
	if err != nil {
		t.Fatalf("mask %q: %v", spec, err)
	}
	d := domain.New(id, m.Weight(), poolSize)
	d.Mask = m
	d.Policy = policy.Spec{Kind: policy.TimeTrig, Period: 100_000_000, Active: 10_000_000}
	return d
}

func TestBuildSingleDomain(t *testing.T) {
	doms := []*domain.Domain{makeDomain(t, 1, 8, "0-7")}

	topo, err := Build(doms, 8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if topo.NumCohorts != 1 {
		t.Fatalf("NumCohorts = %d, want 1", topo.NumCohorts)
	}
	if topo.Cohorts[0].Weight() != 8 {
		t.Errorf("cohort 0 = %s, want 0-7", topo.Cohorts[0])
	}
	if doms[0].Cohort != 0 {
		t.Errorf("domain cohort = %d, want 0", doms[0].Cohort)
	}
	for cpu := 0; cpu < 8; cpu++ {
		if topo.CPUToCohort[cpu] != 0 {
			t.Errorf("CPUToCohort[%d] = %d, want 0", cpu, topo.CPUToCohort[cpu])
		}
	}
}

// Overlap chains must collapse into a single cohort even when the
// overlap only appears through a later domain's mask.
func TestBuildMergesThroughUnion(t *testing.T) {
	const n = 40
	doms := []*domain.Domain{
		makeDomain(t, 1, n, "5-14"),
		makeDomain(t, 2, n, "20-29"),
		makeDomain(t, 3, n, "30-39"),
		makeDomain(t, 4, n, "15-24"),
		makeDomain(t, 5, n, "25-34"),
		makeDomain(t, 6, n, "15-34"),
		makeDomain(t, 7, n, "35-39"),
	}

	topo, err := Build(doms, n)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if topo.NumCohorts != 2 {
		t.Fatalf("NumCohorts = %d, want 2", topo.NumCohorts)
	}

	want0, _ := cpumask.ParseMask(n, "5-14")
	want1, _ := cpumask.ParseMask(n, "15-39")
	if !topo.Cohorts[0].Equal(want0) {
		t.Errorf("cohort 0 = %s, want 5-14", topo.Cohorts[0])
	}
	if !topo.Cohorts[1].Equal(want1) {
		t.Errorf("cohort 1 = %s, want 15-39", topo.Cohorts[1])
	}

	if doms[0].Cohort != 0 {
		t.Errorf("domain 1 cohort = %d, want 0", doms[0].Cohort)
	}
	for _, d := range doms[1:] {
		if d.Cohort != 1 {
			t.Errorf("domain %d cohort = %d, want 1", d.ID, d.Cohort)
		}
	}

	for cpu := 0; cpu < 5; cpu++ {
		if topo.CPUToCohort[cpu] != -1 {
			t.Errorf("CPUToCohort[%d] = %d, want -1 (unassigned)", cpu, topo.CPUToCohort[cpu])
		}
	}
}

func TestBuildDisjointCohorts(t *testing.T) {
	doms := []*domain.Domain{
		makeDomain(t, 1, 8, "0-3"),
		makeDomain(t, 2, 8, "4-7"),
		makeDomain(t, 3, 8, "0-1"),
	}

	topo, err := Build(doms, 8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if topo.NumCohorts != 2 {
		t.Fatalf("NumCohorts = %d, want 2", topo.NumCohorts)
	}
	if doms[0].Cohort != doms[2].Cohort {
		t.Errorf("domains 1 and 3 should share a cohort")
	}
	if doms[0].Cohort == doms[1].Cohort {
		t.Errorf("domains 1 and 2 should be in different cohorts")
	}
}

func TestBuildCountsBestEffort(t *testing.T) {
	doms := []*domain.Domain{
		makeDomain(t, 1, 4, "0-3"),
		makeDomain(t, 2, 4, "0-3"),
		makeDomain(t, 3, 4, "0-1"),
	}
	doms[1].Policy = policy.Spec{Kind: policy.BestEffort, Weight: 1}
	doms[2].Policy = policy.Spec{Kind: policy.BestEffort, Weight: 1}

	topo, err := Build(doms, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if topo.BEDomsInCohort[0] != 2 {
		t.Errorf("BEDomsInCohort[0] = %d, want 2", topo.BEDomsInCohort[0])
	}
}

func TestBuildSingletonAndFullMasks(t *testing.T) {
	doms := []*domain.Domain{
		makeDomain(t, 1, 16, "0"),
		makeDomain(t, 2, 16, "0-15"),
	}
	topo, err := Build(doms, 16)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if topo.NumCohorts != 1 {
		t.Fatalf("NumCohorts = %d, want 1", topo.NumCohorts)
	}
	if topo.Cohorts[0].Weight() != 16 {
		t.Errorf("cohort 0 = %s, want the whole pool", topo.Cohorts[0])
	}
}

// The cohort family must always partition the assigned pCPUs and
// contain every domain mask, no matter how the masks overlap.
func TestBuildProperties(t *testing.T) {
	const poolSize = 24

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	// Generate 1..10 domains, the range the slice filter below accepts.
	parameters.MinSize = 1
	parameters.MaxSize = 11

	genMask := gen.SliceOfN(poolSize, gen.Bool()).SuchThat(func(bits []bool) bool {
		for _, b := range bits {
			if b {
				return true
			}
		}
		return false
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("cohorts partition and contain all domain masks", prop.ForAll(
		func(maskBits [][]bool) bool {
			if len(maskBits) == 0 {
				return true
			}
			var doms []*domain.Domain
			for i, bits := range maskBits {
				m := cpumask.New(poolSize)
				for cpu, b := range bits {
					if b {
						m.Set(cpu)
					}
				}
				d := domain.New(int32(i+1), m.Weight(), poolSize)
				d.Mask = m
				d.Policy = policy.Spec{Kind: policy.BestEffort, Weight: 1}
				doms = append(doms, d)
			}

			topo, err := Build(doms, poolSize)
			if err != nil {
				return false
			}

			// Pairwise disjoint cohorts.
			for i := 0; i < topo.NumCohorts; i++ {
				for j := i + 1; j < topo.NumCohorts; j++ {
					if topo.Cohorts[i].Intersects(topo.Cohorts[j]) {
						return false
					}
				}
			}

			// Each domain contained in its assigned cohort, and the
			// cpu->cohort map consistent with the cohort masks.
			for _, d := range doms {
				if d.Cohort < 0 || d.Cohort >= topo.NumCohorts {
					return false
				}
				if !d.Mask.Subset(topo.Cohorts[d.Cohort]) {
					return false
				}
			}
			for cpu := 0; cpu < poolSize; cpu++ {
				k := topo.CPUToCohort[cpu]
				if k == -1 {
					for c := 0; c < topo.NumCohorts; c++ {
						if topo.Cohorts[c].Test(cpu) {
							return false
						}
					}
					continue
				}
				if !topo.Cohorts[k].Test(cpu) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genMask).SuchThat(func(s [][]bool) bool { return len(s) >= 1 && len(s) <= 10 }),
	))

	properties.TestingRun(t)
}

func TestCloneAndEqual(t *testing.T) {
	doms := []*domain.Domain{
		makeDomain(t, 1, 8, "0-3"),
		makeDomain(t, 2, 8, "4-7"),
	}
	topo, err := Build(doms, 8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cp := topo.Clone()
	if !topo.Equal(cp) {
		t.Fatal("clone not equal to original")
	}
	cp.Cohorts[0].Clear(0)
	if topo.Equal(cp) {
		t.Fatal("mutating the clone should break equality")
	}
}

package admission

import (
	"errors"
	"testing"

	"gangsched/internal/config"
	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/policy"
)

func ms(n int64) int64 { return n * 1_000_000 }

func testParams() config.Params {
	return config.Params{
		Grain:            1_000_000,
		BEReservePct:     10,
		BEPeriod:         ms(100),
		AdjustUpperBound: ms(100),
	}
}

func dom(t *testing.T, id int32, poolSize int, spec string, pol policy.Spec) *domain.Domain {
	t.Helper()
	m, err := cpumask.ParseMask(poolSize, spec)
	if err != nil {
		t.Fatalf("mask %q: %v", spec, err)
	}
	d := domain.New(id, m.Weight(), poolSize)
	d.Mask = m
	d.Policy = pol
	return d
}

func pool(t *testing.T, n int) cpumask.Mask {
	t.Helper()
	m := cpumask.New(n)
	m.SetAll()
	return m
}

func TestSingleTimeTrigFeasible(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 8, "0-7", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(50)}),
	}
	if err := Check(doms, pool(t, 8), testParams()); err != nil {
		t.Fatalf("expected 0.5 utilisation to be admitted: %v", err)
	}
}

func TestOversubscribedRejected(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 8, "0-7", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(95)}),
		dom(t, 2, 8, "0-7", policy.Spec{Kind: policy.BestEffort, Weight: 1}),
	}

	err := Check(doms, pool(t, 8), testParams())
	if err == nil {
		t.Fatal("expected 1.05 utilisation to be rejected")
	}

	var admErr *Error
	if !errors.As(err, &admErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if len(admErr.Violations) != 8 {
		t.Errorf("violations = %d, want all 8 pCPUs", len(admErr.Violations))
	}
	v := admErr.Violations[0]
	if v.Utilisation < 1.049 || v.Utilisation > 1.051 {
		t.Errorf("utilisation = %f, want 1.05", v.Utilisation)
	}
	if len(v.Domains) != 2 {
		t.Errorf("offending domains = %v, want both", v.Domains)
	}
}

func TestSevenDomainMixFeasible(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 4, "0-3", policy.Spec{Kind: policy.TimeTrig, Period: ms(150), Active: ms(15)}),
		dom(t, 2, 4, "0-3", policy.Spec{Kind: policy.TimeTrig, Period: ms(200), Active: ms(40)}),
		dom(t, 3, 4, "0-3", policy.Spec{Kind: policy.EventTrig, Period: ms(100), Active: ms(10)}),
		dom(t, 4, 4, "0-3", policy.Spec{Kind: policy.EventTrig, Period: ms(200), Active: ms(60)}),
		dom(t, 5, 4, "0-3", policy.Spec{Kind: policy.BestEffort, Weight: 1}),
		dom(t, 6, 4, "0-3", policy.Spec{Kind: policy.BestEffort, Weight: 2}),
		dom(t, 7, 4, "0-3", policy.Spec{Kind: policy.BestEffort, Weight: 3}),
	}

	// 0.1 + 0.2 + 0.1 + 0.3 + 0.1 (reserve counted once) = 0.8
	if err := Check(doms, pool(t, 4), testParams()); err != nil {
		t.Fatalf("expected the mix to be admitted: %v", err)
	}
}

func TestBestEffortReserveCountedOnce(t *testing.T) {
	// Twelve best-effort domains on one pCPU still only demand the
	// reserve fraction.
	var doms []*domain.Domain
	for i := int32(1); i <= 12; i++ {
		doms = append(doms, dom(t, i, 1, "0", policy.Spec{Kind: policy.BestEffort, Weight: 1}))
	}
	if err := Check(doms, pool(t, 1), testParams()); err != nil {
		t.Fatalf("expected reserve to be counted once: %v", err)
	}
}

func TestPermanentMustBeAlone(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 1, "0", policy.Spec{Kind: policy.Permanent}),
		dom(t, 2, 1, "0", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(10)}),
	}

	err := Check(doms, pool(t, 1), testParams())
	if err == nil {
		t.Fatal("expected co-located permanent domain to be rejected")
	}

	var admErr *Error
	if !errors.As(err, &admErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if admErr.Violations[0].Reason == "" {
		t.Error("violation should name the permanent-sharing reason")
	}
}

func TestPermanentAloneFeasible(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 2, "0", policy.Spec{Kind: policy.Permanent}),
		dom(t, 2, 2, "1", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(99)}),
	}
	if err := Check(doms, pool(t, 2), testParams()); err != nil {
		t.Fatalf("expected disjoint placement to be admitted: %v", err)
	}
}

func TestViolationOnlyOnAffectedCPUs(t *testing.T) {
	doms := []*domain.Domain{
		dom(t, 1, 4, "0-1", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(60)}),
		dom(t, 2, 4, "0-1", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(60)}),
		dom(t, 3, 4, "2-3", policy.Spec{Kind: policy.TimeTrig, Period: ms(100), Active: ms(60)}),
	}

	err := Check(doms, pool(t, 4), testParams())
	var admErr *Error
	if !errors.As(err, &admErr) {
		t.Fatalf("expected admission error, got %v", err)
	}
	if len(admErr.Violations) != 2 {
		t.Fatalf("violations = %d, want 2 (cpus 0 and 1)", len(admErr.Violations))
	}
	for _, v := range admErr.Violations {
		if v.CPU != 0 && v.CPU != 1 {
			t.Errorf("unexpected violating cpu %d", v.CPU)
		}
	}
}

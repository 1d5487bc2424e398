package config

import (
	"os"
	"path/filepath"
	"testing"

	"gangsched/internal/policy"
)

func TestNormalizeClamps(t *testing.T) {
	p := Params{
		Grain:            DefaultGrain,
		BEReservePct:     150,
		BEPeriod:         1_000, // far below 100*grain
		AdjustUpperBound: 1_000_000,
	}
	p.Normalize()

	if p.BEReservePct != DefaultBEReservePct {
		t.Errorf("BEReservePct = %d, want default %d", p.BEReservePct, DefaultBEReservePct)
	}
	if p.BEPeriod != 100*p.Grain {
		t.Errorf("BEPeriod = %d, want minimum %d", p.BEPeriod, 100*p.Grain)
	}
	if p.AdjustUpperBound != DefaultAdjustUpperBound {
		t.Errorf("AdjustUpperBound = %d, want default %d", p.AdjustUpperBound, DefaultAdjustUpperBound)
	}
}

func TestNormalizeKeepsValid(t *testing.T) {
	p := Params{
		Grain:            DefaultGrain,
		BEReservePct:     25,
		BEPeriod:         200_000_000,
		AdjustUpperBound: 50_000_000,
	}
	p.Normalize()

	if p.BEReservePct != 25 || p.BEPeriod != 200_000_000 || p.AdjustUpperBound != 50_000_000 {
		t.Errorf("Normalize mutated valid params: %+v", p)
	}
	if q := p.BEQuantum(); q != 50_000_000 {
		t.Errorf("BEQuantum = %d, want 50ms", q)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvBEReserve, "20")
	t.Setenv(EnvBEPeriod, "300000000")
	t.Setenv(EnvAdjustBound, "40000000")

	p := FromEnv()
	if p.BEReservePct != 20 {
		t.Errorf("BEReservePct = %d, want 20", p.BEReservePct)
	}
	if p.BEPeriod != 300_000_000 {
		t.Errorf("BEPeriod = %d, want 300ms", p.BEPeriod)
	}
	if p.AdjustUpperBound != 40_000_000 {
		t.Errorf("AdjustUpperBound = %d, want 40ms", p.AdjustUpperBound)
	}
}

const samplePoolYAML = `
pool:
  id: 1
  cpus: 8
  be_reserve_pct: 10
  be_period_ms: 100

rt:
  id: 1
  cpus: "0-7"
  policy: time-triggered
  period_ms: 100
  active_ms: 50

batch:
  id: 2
  cpus: "${BATCH_CPUS}"
  policy: best-effort
  weight: 128
  space_fill: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadPoolConfig(t *testing.T) {
	t.Setenv("BATCH_CPUS", "4-7")

	cfg, err := LoadPoolConfig(writeConfig(t, samplePoolYAML))
	if err != nil {
		t.Fatalf("LoadPoolConfig: %v", err)
	}

	if cfg.Pool.CPUs != 8 {
		t.Errorf("pool cpus = %d, want 8", cfg.Pool.CPUs)
	}
	if len(cfg.Domains) != 2 {
		t.Fatalf("domains = %d, want 2", len(cfg.Domains))
	}

	doms := cfg.DomainsSorted()
	if doms[0].ID != 1 || doms[1].ID != 2 {
		t.Errorf("DomainsSorted order: %d, %d", doms[0].ID, doms[1].ID)
	}

	if doms[1].CPUs != "4-7" {
		t.Errorf("env expansion: cpus = %q, want 4-7", doms[1].CPUs)
	}

	spec, err := doms[0].PolicySpec()
	if err != nil {
		t.Fatalf("PolicySpec: %v", err)
	}
	if spec.Kind != policy.TimeTrig || spec.Period != 100_000_000 || spec.Active != 50_000_000 {
		t.Errorf("time-triggered spec = %+v", spec)
	}

	beSpec, err := doms[1].PolicySpec()
	if err != nil {
		t.Fatalf("PolicySpec: %v", err)
	}
	if beSpec.Kind != policy.BestEffort || beSpec.Weight != 128 || !beSpec.SpaceFill {
		t.Errorf("best-effort spec = %+v", beSpec)
	}
}

func TestLoadPoolConfigRejectsDuplicates(t *testing.T) {
	bad := `
pool:
  id: 1
  cpus: 4

a:
  id: 1
  cpus: "0-1"
  policy: permanent

b:
  id: 1
  cpus: "2-3"
  policy: permanent
`
	if _, err := LoadPoolConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("expected duplicate-id error")
	}
}

func TestLoadPoolConfigRejectsUnknownPolicy(t *testing.T) {
	bad := `
pool:
  id: 1
  cpus: 4

a:
  id: 1
  cpus: "0-1"
  policy: lottery
`
	if _, err := LoadPoolConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("expected unknown-policy error")
	}
}

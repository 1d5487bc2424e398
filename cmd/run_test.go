package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gangsched/internal/gangpool"
	"gangsched/internal/policy"
)

func TestFormatPolicy(t *testing.T) {
	cases := []struct {
		spec policy.Spec
		want string
	}{
		{
			spec: policy.Spec{Kind: policy.Permanent},
			want: "permanent from=0ns",
		},
		{
			spec: policy.Spec{Kind: policy.TimeTrig, Period: 100_000_000, Active: 50_000_000},
			want: "time-triggered period=100ms active=50ms space_fill=false",
		},
		{
			spec: policy.Spec{Kind: policy.BestEffort, Weight: 128, SpaceFill: true},
			want: "best-effort weight=128 space_fill=true",
		},
	}

	for _, tc := range cases {
		if got := formatPolicy(tc.spec); got != tc.want {
			t.Errorf("formatPolicy(%+v) = %q, want %q", tc.spec, got, tc.want)
		}
	}
}

func TestBuildPoolFromConfig(t *testing.T) {
	content := `
pool:
  id: 7
  cpus: 4

rt:
  id: 1
  cpus: "0-3"
  policy: time-triggered
  period_ms: 100
  active_ms: 25
`
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	pool, clock, err := buildPool(path)
	if err != nil {
		t.Fatalf("buildPool: %v", err)
	}
	if pool.ID() != 7 || pool.NumCPUs() != 4 {
		t.Errorf("pool = id %d cpus %d", pool.ID(), pool.NumCPUs())
	}
	if clock.Now() != 0 {
		t.Errorf("clock = %d, want 0", clock.Now())
	}
	if pool.Topology() == nil || pool.Topology().NumCohorts != 1 {
		t.Error("configuration was not committed")
	}

	entries, err := pool.AdjustGlobal(gangpool.Request{Command: gangpool.Get, PoolID: pool.ID()}, -1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 || entries[0].CPUMap.String() != "0-3" {
		t.Errorf("round-trip entries = %+v", entries)
	}
	if !strings.Contains(formatPolicy(entries[0].Policy), "time-triggered") {
		t.Errorf("policy = %s", formatPolicy(entries[0].Policy))
	}
}

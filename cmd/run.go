package cmd

import (
	"fmt"
	"sort"
	"sync/atomic"

	"gangsched/internal/config"
	"gangsched/internal/cpumask"
	"gangsched/internal/gangpool"
	"gangsched/internal/logging"
	"gangsched/internal/policy"
	"gangsched/internal/trace"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var simDurationMS int64

// simClock is the virtual nanosecond clock driving a simulation.
type simClock struct {
	now atomic.Int64
}

func (c *simClock) Now() int64  { return c.now.Load() }
func (c *simClock) Set(t int64) { c.now.Store(t) }

var runCmd = &cobra.Command{
	Use:   "run <pool-config.yaml>",
	Short: "Apply a pool configuration and simulate its dispatch timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(args[0], simDurationMS*1_000_000)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <pool-config.yaml>",
	Short: "Apply a pool configuration and read it back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _, err := buildPool(args[0])
		if err != nil {
			return err
		}

		entries, err := pool.AdjustGlobal(gangpool.Request{
			Command: gangpool.Get,
			PoolID:  pool.ID(),
		}, -1)
		if err != nil {
			return err
		}

		for _, e := range entries {
			fmt.Printf("domain %d  cpus %-12s %s\n", e.DomID, e.CPUMap, formatPolicy(e.Policy))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Int64Var(&simDurationMS, "duration", 1000, "simulated time in milliseconds")
}

// buildPool loads a pool config, creates the pool with its domains, and
// commits the configuration.
func buildPool(configPath string) (*gangpool.Pool, *simClock, error) {
	logger := logging.GetLogger()

	cfg, err := config.LoadPoolConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Pool.LogLevel != "" && logLevel == "" {
		if err := logging.SetLogLevel(cfg.Pool.LogLevel); err != nil {
			return nil, nil, err
		}
	}

	params := cfg.Params()
	clock := &simClock{}
	host := gangpool.NewGoroutineHost(clock.Now)
	pool := gangpool.New(cfg.Pool.ID, cfg.Pool.CPUs, params, host)

	var entries []gangpool.DomEntry
	for _, dom := range cfg.DomainsSorted() {
		m, err := cpumask.ParseMask(cfg.Pool.CPUs, dom.CPUs)
		if err != nil {
			return nil, nil, fmt.Errorf("domain %d: %w", dom.ID, err)
		}
		spec, err := dom.PolicySpec()
		if err != nil {
			return nil, nil, fmt.Errorf("domain %d: %w", dom.ID, err)
		}

		if _, err := pool.AddDomain(dom.ID, m.Weight()); err != nil {
			return nil, nil, err
		}
		entries = append(entries, gangpool.DomEntry{
			DomID:  dom.ID,
			CPUMap: m,
			Policy: spec,
		})
	}

	if _, err := pool.AdjustGlobal(gangpool.Request{
		Command: gangpool.Put,
		PoolID:  pool.ID(),
		Entries: entries,
	}, -1); err != nil {
		return nil, nil, err
	}

	logger.WithFields(logrus.Fields{
		"pool_id": pool.ID(),
		"domains": len(entries),
		"cohorts": pool.Topology().NumCohorts,
	}).Info("Pool configured")

	return pool, clock, nil
}

func runSimulation(configPath string, duration int64) error {
	logger := logging.GetLogger()

	pool, clock, err := buildPool(configPath)
	if err != nil {
		return err
	}

	cfg, err := config.LoadPoolConfig(configPath)
	if err != nil {
		return err
	}
	if tc := cfg.Pool.TraceMeasurement; tc.URL != "" {
		recorder, err := trace.NewInfluxRecorder(tc.URL, tc.Token, tc.Org, tc.Bucket)
		if err != nil {
			return err
		}
		defer recorder.Close()
		pool.SetRecorder(recorder)
	}

	params := pool.Params()
	grain := params.Grain

	// Dispatch resumes once the commit's clock offset has elapsed.
	start := policy.CeilTo(params.AdjustUpperBound, grain)
	end := start + duration

	busy := make(map[int32]int64)
	idle := int64(0)

	for cpu := 0; cpu < pool.NumCPUs(); cpu++ {
		for now := start; now < end; {
			clock.Set(now)
			dec := pool.Schedule(cpu, now, false)

			step := dec.Slice
			if step <= 0 {
				// Unlimited or zero-length slice: advance by one grain
				// so the simulation always makes progress.
				step = grain
			}
			if now+step > end {
				step = end - now
			}

			if dec.Idle() {
				idle += step
			} else {
				busy[dec.DomID] += step
			}
			now += step
		}
	}

	total := int64(pool.NumCPUs()) * duration
	logger.WithFields(logrus.Fields{
		"simulated_ms": duration / 1_000_000,
		"cpus":         pool.NumCPUs(),
	}).Info("Simulation finished")

	var ids []int32
	for id := range busy {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fmt.Printf("domain %d: %6.2f%% of pool time\n", id, 100*float64(busy[id])/float64(total))
	}
	fmt.Printf("idle:     %6.2f%% of pool time\n", 100*float64(idle)/float64(total))

	return nil
}

func formatPolicy(s policy.Spec) string {
	switch s.Kind {
	case policy.Permanent:
		return fmt.Sprintf("permanent from=%dns", s.From)
	case policy.TimeTrig, policy.EventTrig:
		return fmt.Sprintf("%s period=%dms active=%dms space_fill=%t",
			s.Kind, s.Period/1_000_000, s.Active/1_000_000, s.SpaceFill)
	case policy.BestEffort:
		return fmt.Sprintf("best-effort weight=%d space_fill=%t", s.Weight, s.SpaceFill)
	default:
		return s.Kind.String()
	}
}

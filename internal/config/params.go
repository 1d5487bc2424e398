package config

import (
	"os"
	"strconv"

	"gangsched/internal/logging"

	"github.com/sirupsen/logrus"
)

// Environment variables carrying the scheduler boot parameters.
const (
	EnvBEReserve   = "SCHED_GANG_CPU_RSRV_4_BE_DOMS"
	EnvBEPeriod    = "SCHED_GANG_PERIOD_4_BE_DOMS"
	EnvAdjustBound = "SCHED_GANG_ADJ_TIME_UPPER_BOUND"
)

const (
	// DefaultGrain is the finest scheduling grain: the host rate-limit
	// parameter of 1000 us converted to nanoseconds.
	DefaultGrain = int64(1_000_000)

	DefaultBEReservePct = uint8(10)
	MinBEReservePct     = uint8(0)
	MaxBEReservePct     = uint8(100)

	// DefaultBEPeriod is the basic activation period for best-effort
	// domains: 100 ms.
	DefaultBEPeriod = int64(100_000_000)

	MinAdjustUpperBound     = int64(10_000_000)  // 10 ms
	MaxAdjustUpperBound     = int64(500_000_000) // 500 ms
	DefaultAdjustUpperBound = int64(100_000_000) // 100 ms
)

// Params are the pool-wide scheduling parameters, fixed at pool
// construction time.
type Params struct {
	// Grain is the minimum time slice in nanoseconds. All slice
	// boundaries are floored to multiples of it.
	Grain int64

	// BEReservePct is the percentage of each pCPU's time budget
	// collectively reserved for best-effort domains.
	BEReservePct uint8

	// BEPeriod is the basic activation period for best-effort domains
	// in nanoseconds.
	BEPeriod int64

	// AdjustUpperBound is the expected maximum duration of a global
	// adjustment in nanoseconds. It sets the clock offset used when
	// local schedulers restart after a reconfiguration commit.
	AdjustUpperBound int64
}

func DefaultParams() Params {
	return Params{
		Grain:            DefaultGrain,
		BEReservePct:     DefaultBEReservePct,
		BEPeriod:         DefaultBEPeriod,
		AdjustUpperBound: DefaultAdjustUpperBound,
	}
}

// FromEnv builds Params from the boot-parameter environment variables,
// falling back to defaults for unset or unparsable values, then
// normalizes.
func FromEnv() Params {
	logger := logging.GetLogger()
	p := DefaultParams()

	if v := os.Getenv(EnvBEReserve); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			p.BEReservePct = uint8(n)
		} else {
			logger.WithField("var", EnvBEReserve).WithError(err).Warn("Ignoring unparsable boot parameter")
		}
	}
	if v := os.Getenv(EnvBEPeriod); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.BEPeriod = n
		} else {
			logger.WithField("var", EnvBEPeriod).WithError(err).Warn("Ignoring unparsable boot parameter")
		}
	}
	if v := os.Getenv(EnvAdjustBound); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.AdjustUpperBound = n
		} else {
			logger.WithField("var", EnvAdjustBound).WithError(err).Warn("Ignoring unparsable boot parameter")
		}
	}

	p.Normalize()
	return p
}

// Normalize checks and corrects the parameters, logging every
// correction. The rules match the boot-time checks of the scheduler:
// out-of-range values reset to defaults or clamp to their bounds, and
// the adjustment upper bound is forced to 2 ms when its half falls
// below one millisecond (the barrier timeouts use the half value).
func (p *Params) Normalize() {
	logger := logging.GetLogger()

	if p.Grain <= 0 {
		p.Grain = DefaultGrain
	}

	if p.BEReservePct > MaxBEReservePct {
		logger.WithFields(logrus.Fields{
			"value":   p.BEReservePct,
			"default": DefaultBEReservePct,
		}).Warn("Best-effort CPU reservation outside valid range, resetting to default")
		p.BEReservePct = DefaultBEReservePct
	}

	minBEPeriod := 100 * p.Grain
	if p.BEPeriod < minBEPeriod {
		logger.WithFields(logrus.Fields{
			"value_ns": p.BEPeriod,
			"min_ns":   minBEPeriod,
		}).Warn("Best-effort period below minimum, raising to minimum")
		p.BEPeriod = minBEPeriod
	}

	if p.AdjustUpperBound > MaxAdjustUpperBound {
		logger.WithFields(logrus.Fields{
			"value_ns": p.AdjustUpperBound,
			"max_ns":   MaxAdjustUpperBound,
		}).Warn("Adjustment time upper bound above maximum, clamping to maximum")
		p.AdjustUpperBound = MaxAdjustUpperBound
	} else if p.AdjustUpperBound < MinAdjustUpperBound {
		logger.WithFields(logrus.Fields{
			"value_ns":   p.AdjustUpperBound,
			"min_ns":     MinAdjustUpperBound,
			"default_ns": DefaultAdjustUpperBound,
		}).Warn("Adjustment time upper bound below minimum, resetting to default")
		p.AdjustUpperBound = DefaultAdjustUpperBound
	}

	if p.AdjustUpperBound/2 < 1_000_000 {
		logger.Warn("Adjustment time upper bound too small, forcing to 2 ms")
		p.AdjustUpperBound = 2_000_000
	}
}

// BEQuantum derives the best-effort time quantum from the reservation
// percentage and the best-effort period.
func (p Params) BEQuantum() int64 {
	return p.BEPeriod * int64(p.BEReservePct) / 100
}

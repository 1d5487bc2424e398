package policy

import (
	"fmt"
	"math"
)

// Infinity is the largest representable absolute time in nanoseconds.
// Permanent domains carry it as deadline and remaining time.
const Infinity = int64(math.MaxInt64)

// Kind enumerates the time-multiplexing policies. A lower value means
// higher precedence: a permanent domain must not be disturbed by a
// time-triggered one, which in turn must not be disturbed by
// event-triggered or best-effort domains.
type Kind int32

const (
	NotSet Kind = iota
	Permanent
	TimeTrig
	EventTrig
	BestEffort
	numKinds
)

func (k Kind) Valid() bool {
	return k > NotSet && k < numKinds
}

func (k Kind) String() string {
	switch k {
	case NotSet:
		return "not-set"
	case Permanent:
		return "permanent"
	case TimeTrig:
		return "time-triggered"
	case EventTrig:
		return "event-triggered"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("invalid(%d)", int32(k))
	}
}

// Spec is the closed tagged variant describing a domain's
// time-multiplexing policy. Which fields are meaningful depends on Kind:
//
//	Permanent:  From
//	TimeTrig:   From, Period, Active, SpaceFill
//	EventTrig:  From, Period, Active, SpaceFill
//	BestEffort: From, Weight, SpaceFill
//
// All times are absolute or relative nanoseconds.
type Spec struct {
	Kind      Kind
	From      int64
	Period    int64
	Active    int64
	Weight    uint16
	SpaceFill bool
}

// Validate checks the per-variant parameter bounds against the
// scheduling grain. A NotSet spec is always rejected.
func (s Spec) Validate(grain int64) error {
	switch s.Kind {
	case Permanent:
		return nil
	case TimeTrig, EventTrig:
		if s.Period < grain {
			return fmt.Errorf("%s: period %d ns below grain %d ns", s.Kind, s.Period, grain)
		}
		if s.Period >= Infinity {
			return fmt.Errorf("%s: period is infinite", s.Kind)
		}
		if s.Active < grain {
			return fmt.Errorf("%s: active time %d ns below grain %d ns", s.Kind, s.Active, grain)
		}
		if s.Active >= Infinity {
			return fmt.Errorf("%s: active time is infinite", s.Kind)
		}
		if s.Period < s.Active {
			return fmt.Errorf("%s: period %d ns below active time %d ns", s.Kind, s.Period, s.Active)
		}
		return nil
	case BestEffort:
		if s.Weight < 1 {
			return fmt.Errorf("%s: weight must be in 1..65535", s.Kind)
		}
		return nil
	case NotSet:
		return fmt.Errorf("policy not set")
	default:
		return fmt.Errorf("invalid policy kind %d", int32(s.Kind))
	}
}

// SpaceFilling reports whether the domain may consume slices yielded by
// other domains. Permanent domains never space-fill.
func (s Spec) SpaceFilling() bool {
	switch s.Kind {
	case TimeTrig, EventTrig, BestEffort:
		return s.SpaceFill
	default:
		return false
	}
}

// Utilization returns the fraction of a pCPU this policy demands.
// Best-effort domains are accounted through the pool-wide reserve and
// return 0 here.
func (s Spec) Utilization() float64 {
	switch s.Kind {
	case Permanent:
		return 1.0
	case TimeTrig, EventTrig:
		return float64(s.Active) / float64(s.Period)
	default:
		return 0
	}
}

// AlignUp returns the smallest time v >= start such that
// v is congruent to from modulo period.
func AlignUp(start, from, period int64) int64 {
	if from >= start {
		return from
	}
	diff := start - from
	k := diff / period
	if diff%period != 0 {
		k++
	}
	return from + k*period
}

// FloorTo floors t to a multiple of grain. Infinity is left untouched.
func FloorTo(t, grain int64) int64 {
	if t == Infinity {
		return t
	}
	return (t / grain) * grain
}

// CeilTo rounds t up to the next multiple of grain, exclusive: the
// result is always strictly greater than t. This mirrors the clock
// reference used when local schedulers restart after a global
// adjustment.
func CeilTo(t, grain int64) int64 {
	return (t/grain + 1) * grain
}

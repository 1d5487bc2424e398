package admission

import (
	"fmt"
	"sort"
	"strings"

	"gangsched/internal/config"
	"gangsched/internal/cpumask"
	"gangsched/internal/domain"
	"gangsched/internal/logging"
	"gangsched/internal/policy"

	"github.com/sirupsen/logrus"
)

// Violation describes one infeasible pCPU: its total demanded
// utilisation and the domains placed on it.
type Violation struct {
	CPU         int
	Utilisation float64
	Domains     []int32
	Reason      string
}

// Error is the admission failure carrying every offending pCPU.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("allocation infeasible:")
	for _, v := range e.Violations {
		if v.Reason != "" {
			fmt.Fprintf(&b, " cpu %d: %s (domains %v);", v.CPU, v.Reason, v.Domains)
			continue
		}
		fmt.Fprintf(&b, " cpu %d: utilisation %.3f > 1.0 (domains %v);", v.CPU, v.Utilisation, v.Domains)
	}
	return b.String()
}

// Check runs the per-pCPU utilisation feasibility test over the
// intended allocation. For every pCPU of the pool it sums the demand of
// the domains assigned there: a permanent domain demands the whole
// pCPU, time- and event-triggered domains demand active/period, and
// best-effort domains collectively demand the pool-wide reserve
// fraction, counted at most once per pCPU. A pCPU hosting a permanent
// domain must host that domain alone.
func Check(domains []*domain.Domain, poolMask cpumask.Mask, params config.Params) error {
	logger := logging.GetLogger()

	ordered := make([]*domain.Domain, len(domains))
	copy(ordered, domains)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	beReserve := float64(params.BEReservePct) / 100.0

	var violations []Violation

	poolMask.ForEach(func(cpu int) {
		var (
			util      float64
			beCounted bool
			permanent *domain.Domain
			placed    []int32
		)

		for _, d := range ordered {
			if !d.Mask.Test(cpu) {
				continue
			}
			placed = append(placed, d.ID)

			switch d.Policy.Kind {
			case policy.Permanent:
				util += 1.0
				permanent = d
			case policy.TimeTrig, policy.EventTrig:
				util += d.Policy.Utilization()
			case policy.BestEffort:
				if !beCounted {
					util += beReserve
					beCounted = true
				}
			}
		}

		if permanent != nil && len(placed) > 1 {
			violations = append(violations, Violation{
				CPU:     cpu,
				Domains: placed,
				Reason:  fmt.Sprintf("permanent domain %d shares the pCPU", permanent.ID),
			})
			return
		}

		if util > 1.0 {
			violations = append(violations, Violation{
				CPU:         cpu,
				Utilisation: util,
				Domains:     placed,
			})
		}
	})

	if len(violations) > 0 {
		err := &Error{Violations: violations}
		logger.WithFields(logrus.Fields{
			"offending_cpus": len(violations),
		}).Warn("Admission check failed")
		return err
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gangsched/internal/logging"
	"gangsched/internal/policy"

	"gopkg.in/yaml.v3"
)

// PoolConfig describes a gang-scheduled CPU pool and its domains as
// loaded from a YAML file.
type PoolConfig struct {
	Pool    PoolInfo                `yaml:"pool"`
	Domains map[string]DomainConfig `yaml:",inline"`
}

type PoolInfo struct {
	ID       uint32 `yaml:"id"`
	CPUs     int    `yaml:"cpus"`
	LogLevel string `yaml:"log_level,omitempty"`

	// Boot parameter overrides; zero values fall back to env/defaults.
	BEReservePct     uint8 `yaml:"be_reserve_pct,omitempty"`
	BEPeriodMS       int64 `yaml:"be_period_ms,omitempty"`
	AdjustUpperMS    int64 `yaml:"adjust_upper_bound_ms,omitempty"`
	GrainUS          int64 `yaml:"grain_us,omitempty"`
	TraceMeasurement Trace `yaml:"trace,omitempty"`
}

type Trace struct {
	URL    string `yaml:"url,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Org    string `yaml:"org,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`
}

type DomainConfig struct {
	KeyName string `yaml:"-"`
	ID      int32  `yaml:"id"`
	CPUs    string `yaml:"cpus"`
	Policy  string `yaml:"policy"`

	FromMS    int64  `yaml:"from_ms,omitempty"`
	PeriodMS  int64  `yaml:"period_ms,omitempty"`
	ActiveMS  int64  `yaml:"active_ms,omitempty"`
	Weight    uint16 `yaml:"weight,omitempty"`
	SpaceFill bool   `yaml:"space_fill,omitempty"`
}

// PolicySpec converts the YAML policy block into the internal tagged
// variant.
func (d DomainConfig) PolicySpec() (policy.Spec, error) {
	spec := policy.Spec{
		From:      d.FromMS * 1_000_000,
		Period:    d.PeriodMS * 1_000_000,
		Active:    d.ActiveMS * 1_000_000,
		Weight:    d.Weight,
		SpaceFill: d.SpaceFill,
	}
	switch strings.ToLower(strings.TrimSpace(d.Policy)) {
	case "permanent":
		spec.Kind = policy.Permanent
	case "time-triggered", "tt":
		spec.Kind = policy.TimeTrig
	case "event-triggered", "et":
		spec.Kind = policy.EventTrig
	case "best-effort", "be":
		spec.Kind = policy.BestEffort
		if spec.Weight == 0 {
			spec.Weight = 1
		}
	default:
		return policy.Spec{}, fmt.Errorf("unknown policy %q", d.Policy)
	}
	return spec, nil
}

// Params merges the pool's overrides over the environment-derived boot
// parameters.
func (c *PoolConfig) Params() Params {
	p := FromEnv()
	if c.Pool.GrainUS > 0 {
		p.Grain = c.Pool.GrainUS * 1_000
	}
	if c.Pool.BEReservePct > 0 {
		p.BEReservePct = c.Pool.BEReservePct
	}
	if c.Pool.BEPeriodMS > 0 {
		p.BEPeriod = c.Pool.BEPeriodMS * 1_000_000
	}
	if c.Pool.AdjustUpperMS > 0 {
		p.AdjustUpperBound = c.Pool.AdjustUpperMS * 1_000_000
	}
	p.Normalize()
	return p
}

// DomainsSorted returns the domain entries ordered by domain ID.
func (c *PoolConfig) DomainsSorted() []DomainConfig {
	out := make([]DomainConfig, 0, len(c.Domains))
	for _, d := range c.Domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func LoadPoolConfig(filepath string) (*PoolConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read pool config file")
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg PoolConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse pool config file")
		return nil, err
	}

	for keyName, dom := range cfg.Domains {
		dom.KeyName = keyName
		cfg.Domains[keyName] = dom
	}

	if err := validatePoolConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	return &cfg, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validatePoolConfig(cfg *PoolConfig) error {
	if cfg.Pool.CPUs <= 0 {
		return fmt.Errorf("pool cpus must be greater than 0")
	}

	if len(cfg.Domains) == 0 {
		return fmt.Errorf("at least one domain must be defined")
	}

	ids := make(map[int32]bool)
	for name, dom := range cfg.Domains {
		if dom.ID <= 0 {
			return fmt.Errorf("domain %s: id must be positive", name)
		}
		if ids[dom.ID] {
			return fmt.Errorf("domain %s: id %d is already used", name, dom.ID)
		}
		ids[dom.ID] = true

		if dom.CPUs == "" {
			return fmt.Errorf("domain %s: cpus is required", name)
		}
		if _, err := dom.PolicySpec(); err != nil {
			return fmt.Errorf("domain %s: %w", name, err)
		}
	}

	return nil
}

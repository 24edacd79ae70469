package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy carries every numeric risk threshold used by the control plane.
// Source documents disagree on several limits, so nothing here is treated as
// an invariant of the code: thresholds live in the YAML policy file and the
// defaults below are the single documented fallback.
type Policy struct {
	Breakers   BreakerPolicy    `yaml:"breakers"`
	Limits     LimitPolicy      `yaml:"limits"`
	Executor   ExecutorPolicy   `yaml:"executor"`
	Promotion  PromotionPolicy  `yaml:"promotion"`
	KillSwitch KillSwitchPolicy `yaml:"kill_switch"`
}

// Tier is one escalation step of a breaker: crossing Level forces Posture,
// and for REDUCED tiers SizeScale is the factor applied to requested sizes.
type Tier struct {
	Level     float64 `yaml:"level"`
	Posture   string  `yaml:"posture"`
	SizeScale float64 `yaml:"size_scale"`
}

type BreakerPolicy struct {
	Cooldown          Duration `yaml:"cooldown"`
	Drawdown          []Tier   `yaml:"drawdown"`
	ConsecutiveLosses []Tier   `yaml:"consecutive_losses"`
	Volatility        []Tier   `yaml:"volatility"`
	LatencyMs         []Tier   `yaml:"latency_ms"`
}

type LimitPolicy struct {
	MaxPositionFraction float64 `yaml:"max_position_fraction"`
	MaxExposureFraction float64 `yaml:"max_exposure_fraction"`
	MinEdgeAfterCost    float64 `yaml:"min_edge_after_cost"`
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"`
}

type ExecutorPolicy struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	BaseBackoff      Duration `yaml:"base_backoff"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	CallTimeout      Duration `yaml:"call_timeout"`
	SubmitsPerSecond float64  `yaml:"submits_per_second"`
}

type PromotionPolicy struct {
	MinShadowWindow      Duration `yaml:"min_shadow_window"`
	MinComparisons       int      `yaml:"min_comparisons"`
	MinSharpeDelta       float64  `yaml:"min_sharpe_delta"`
	MaxDrawdownWorsening float64  `yaml:"max_drawdown_worsening"`
}

type KillSwitchPolicy struct {
	GracefulDeadline Duration `yaml:"graceful_deadline"`
}

// Duration lets YAML carry values like "30m" or "168h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultPolicy returns the fallback thresholds used when no policy file is
// present. Drawdown and volatility levels are fractions, latency in ms.
func DefaultPolicy() Policy {
	return Policy{
		Breakers: BreakerPolicy{
			Cooldown: Duration(30 * time.Minute),
			Drawdown: []Tier{
				{Level: 0.03, Posture: "REDUCED", SizeScale: 0.5},
				{Level: 0.05, Posture: "PAUSED"},
				{Level: 0.10, Posture: "HALTED"},
			},
			ConsecutiveLosses: []Tier{
				{Level: 3, Posture: "REDUCED", SizeScale: 0.5},
				{Level: 4, Posture: "REDUCED", SizeScale: 0.25},
				{Level: 5, Posture: "HALTED"},
			},
			Volatility: []Tier{
				{Level: 0.04, Posture: "REDUCED", SizeScale: 0.5},
				{Level: 0.08, Posture: "PAUSED"},
			},
			LatencyMs: []Tier{
				{Level: 2000, Posture: "REDUCED", SizeScale: 0.5},
				{Level: 5000, Posture: "PAUSED"},
			},
		},
		Limits: LimitPolicy{
			MaxPositionFraction: 0.2,
			MaxExposureFraction: 0.5,
			MinEdgeAfterCost:    0.001,
			MaxTradesPerDay:     20,
		},
		Executor: ExecutorPolicy{
			MaxAttempts:      3,
			BaseBackoff:      Duration(2 * time.Second),
			MaxBackoff:       Duration(30 * time.Second),
			CallTimeout:      Duration(10 * time.Second),
			SubmitsPerSecond: 5,
		},
		Promotion: PromotionPolicy{
			MinShadowWindow:      Duration(168 * time.Hour), // 7 days
			MinComparisons:       100,
			MinSharpeDelta:       0.1,
			MaxDrawdownWorsening: 0,
		},
		KillSwitch: KillSwitchPolicy{
			GracefulDeadline: Duration(30 * time.Minute),
		},
	}
}

// LoadPolicy reads the YAML policy file, falling back to DefaultPolicy when
// the file does not exist.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	return policy, nil
}

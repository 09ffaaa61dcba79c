package txsched

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gassaver/scheduler-node/feeregime"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

// Config is the full scheduler configuration surface. Every option is policy,
// not mechanism; see the field comments for the effect of each knob.
type Config struct {
	// Estimator thresholds.
	WindowSize          int     `yaml:"window_size"`
	SpikeMultiplier     float64 `yaml:"spike_multiplier"`
	ElevatedMultiplier  float64 `yaml:"elevated_multiplier"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`

	// Mode debounce: consecutive observations required to enter and leave
	// inclusion-first mode.
	SpikeConfirmCount    int `yaml:"spike_confirm_count"`
	RecoveryConfirmCount int `yaml:"recovery_confirm_count"`

	// Outbound admission control per endpoint key.
	RateLimitCapacity   int     `yaml:"rate_limit_capacity"`
	RateLimitRefillRate float64 `yaml:"rate_limit_refill_rate"`

	// PriorityMargin is added on top of the base fee in cost-optimal mode;
	// doubled when the trend is rising and for high-priority intents.
	PriorityMargin uint64 `yaml:"priority_margin"`

	// Repricing policy. Exhausting MaxRepriceAttempts fails the intent.
	MaxRepriceAttempts int           `yaml:"max_reprice_attempts"`
	RepriceCooldown    time.Duration `yaml:"reprice_cooldown"`

	// DeferBackoffBlocks is how many blocks a rate-limited submission sits
	// out before it is reconsidered.
	DeferBackoffBlocks uint64 `yaml:"defer_backoff_blocks"`

	// Bounded channel capacities; intents beyond IntentBuffer are rejected
	// with ErrOverloaded.
	BlockEventBuffer int `yaml:"block_event_buffer"`
	IntentBuffer     int `yaml:"intent_buffer"`
	OutcomeBuffer    int `yaml:"outcome_buffer"`

	// EvaluationInterval drives deadline checks between blocks.
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize:           12,
		SpikeMultiplier:      2.0,
		ElevatedMultiplier:   1.3,
		VolatilityThreshold:  0.5,
		SpikeConfirmCount:    3,
		RecoveryConfirmCount: 5,
		RateLimitCapacity:    20,
		RateLimitRefillRate:  10,
		PriorityMargin:       2,
		MaxRepriceAttempts:   5,
		RepriceCooldown:      6 * time.Second,
		DeferBackoffBlocks:   1,
		BlockEventBuffer:     64,
		IntentBuffer:         256,
		OutcomeBuffer:        256,
		EvaluationInterval:   time.Second,
	}
}

// LoadConfig parses a scheduler config file, filling unset fields with
// defaults. An empty path returns the defaults.
func LoadConfig(file string) (Config, error) {
	cfg := DefaultConfig()
	if file == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce sane decisions.
// Configuration errors are the one class of failure that is fatal to the
// process.
func (c Config) Validate() error {
	if c.WindowSize < 2 {
		return fmt.Errorf("%w: window_size must be at least 2", ErrInvalidConfig)
	}
	if c.SpikeMultiplier <= c.ElevatedMultiplier {
		return fmt.Errorf("%w: spike_multiplier must exceed elevated_multiplier", ErrInvalidConfig)
	}
	if c.ElevatedMultiplier <= 1 {
		return fmt.Errorf("%w: elevated_multiplier must exceed 1", ErrInvalidConfig)
	}
	if c.VolatilityThreshold <= 0 {
		return fmt.Errorf("%w: volatility_threshold must be positive", ErrInvalidConfig)
	}
	if c.SpikeConfirmCount < 1 || c.RecoveryConfirmCount < 1 {
		return fmt.Errorf("%w: confirm counts must be at least 1", ErrInvalidConfig)
	}
	if c.RateLimitCapacity < 1 || c.RateLimitRefillRate <= 0 {
		return fmt.Errorf("%w: rate limit capacity and refill rate must be positive", ErrInvalidConfig)
	}
	if c.MaxRepriceAttempts < 0 {
		return fmt.Errorf("%w: max_reprice_attempts must not be negative", ErrInvalidConfig)
	}
	if c.IntentBuffer < 1 || c.OutcomeBuffer < 1 || c.BlockEventBuffer < 1 {
		return fmt.Errorf("%w: channel buffers must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// EstimatorConfig maps the shared knobs onto the estimator's own config.
func (c Config) EstimatorConfig() feeregime.Config {
	cfg := feeregime.DefaultConfig()
	cfg.WindowSize = c.WindowSize
	cfg.SpikeMultiplier = c.SpikeMultiplier
	cfg.ElevatedMultiplier = c.ElevatedMultiplier
	cfg.VolatilityThreshold = c.VolatilityThreshold
	return cfg
}

// Package retry provides caller-side retry and circuit breaker options for
// LLM calls.
package retry

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/docchat/pkg/llm/resilience"
	"github.com/kart-io/docchat/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options configures the resilience wrappers. Disabled by default.
type Options struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	MaxAttempts      int           `json:"max-attempts" mapstructure:"max-attempts"`
	InitialDelay     time.Duration `json:"initial-delay" mapstructure:"initial-delay"`
	MaxDelay         time.Duration `json:"max-delay" mapstructure:"max-delay"`
	Multiplier       float64       `json:"multiplier" mapstructure:"multiplier"`
	BreakerFailures  int           `json:"breaker-failures" mapstructure:"breaker-failures"`
	BreakerOpenDelay time.Duration `json:"breaker-open-delay" mapstructure:"breaker-open-delay"`
}

// NewOptions returns the default retry options.
func NewOptions() *Options {
	return &Options{
		Enabled:          false,
		MaxAttempts:      3,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2,
		BreakerFailures:  5,
		BreakerOpenDelay: 30 * time.Second,
	}
}

// AddFlags adds retry flags to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "retry."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Retry failed embedding and chat calls with exponential backoff.")
	fs.IntVar(&o.MaxAttempts, p+"max-attempts", o.MaxAttempts, "Attempts per call, including the first.")
	fs.DurationVar(&o.InitialDelay, p+"initial-delay", o.InitialDelay, "Delay before the first retry.")
	fs.DurationVar(&o.MaxDelay, p+"max-delay", o.MaxDelay, "Upper bound for the backoff delay.")
	fs.Float64Var(&o.Multiplier, p+"multiplier", o.Multiplier, "Backoff multiplier.")
	fs.IntVar(&o.BreakerFailures, p+"breaker-failures", o.BreakerFailures, "Consecutive failures that open the circuit breaker.")
	fs.DurationVar(&o.BreakerOpenDelay, p+"breaker-open-delay", o.BreakerOpenDelay, "How long the breaker stays open before probing.")
}

// Validate validates the retry options.
func (o *Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}
	var errs []error
	if o.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max-attempts must be at least 1"))
	}
	if o.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1"))
	}
	if o.BreakerFailures < 1 {
		errs = append(errs, fmt.Errorf("retry.breaker-failures must be at least 1"))
	}
	return errs
}

// RetryConfig converts the options into a resilience retry config.
func (o *Options) RetryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:  o.MaxAttempts,
		InitialDelay: o.InitialDelay,
		MaxDelay:     o.MaxDelay,
		Multiplier:   o.Multiplier,
		Retryable:    resilience.IsRetryableError,
	}
}

// BreakerConfig converts the options into a circuit breaker config.
func (o *Options) BreakerConfig() *resilience.CircuitBreakerConfig {
	return &resilience.CircuitBreakerConfig{
		MaxFailures:      o.BreakerFailures,
		Timeout:          o.BreakerOpenDelay,
		HalfOpenMaxCalls: 1,
	}
}

package adaptation

import (
	"fmt"
	"time"
)

// Config holds the tunables of the adaptation engine
type Config struct {
	MinActionScore                   float64       `mapstructure:"min_action_score" json:"min_action_score"`
	MaxAdaptationIterations          int           `mapstructure:"max_adaptation_iterations" json:"max_adaptation_iterations"`
	PerformanceDegradationMultiplier float64       `mapstructure:"performance_degradation_multiplier" json:"performance_degradation_multiplier"`
	MinHistorySampleForConfidence    int           `mapstructure:"min_history_sample_for_confidence" json:"min_history_sample_for_confidence"`
	RepeatedFailureThreshold         int           `mapstructure:"repeated_failure_threshold" json:"repeated_failure_threshold"`
	ContentionThreshold              float64       `mapstructure:"contention_threshold" json:"contention_threshold"`
	DefaultStepEstimate              time.Duration `mapstructure:"default_step_estimate" json:"default_step_estimate"`
	TimeoutGrowth                    float64       `mapstructure:"timeout_growth" json:"timeout_growth"`
	MaxRetryBudget                   int           `mapstructure:"max_retry_budget" json:"max_retry_budget"`
	RealizedTolerance                float64       `mapstructure:"realized_tolerance" json:"realized_tolerance"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MinActionScore:                   0.3,
		MaxAdaptationIterations:          5,
		PerformanceDegradationMultiplier: 1.5,
		MinHistorySampleForConfidence:    5,
		RepeatedFailureThreshold:         2,
		ContentionThreshold:              0.9,
		DefaultStepEstimate:              30 * time.Second,
		TimeoutGrowth:                    2.0,
		MaxRetryBudget:                   5,
		RealizedTolerance:                0.25,
	}
}

// Validate rejects out-of-range values
func (c Config) Validate() error {
	switch {
	case c.MinActionScore < 0 || c.MinActionScore > 1:
		return fmt.Errorf("%w: min_action_score must be within [0, 1], got %v", ErrInvalidInput, c.MinActionScore)
	case c.MaxAdaptationIterations < 1:
		return fmt.Errorf("%w: max_adaptation_iterations must be >= 1, got %d", ErrInvalidInput, c.MaxAdaptationIterations)
	case c.PerformanceDegradationMultiplier <= 1:
		return fmt.Errorf("%w: performance_degradation_multiplier must be > 1, got %v", ErrInvalidInput, c.PerformanceDegradationMultiplier)
	case c.MinHistorySampleForConfidence < 1:
		return fmt.Errorf("%w: min_history_sample_for_confidence must be >= 1, got %d", ErrInvalidInput, c.MinHistorySampleForConfidence)
	case c.RepeatedFailureThreshold < 2:
		return fmt.Errorf("%w: repeated_failure_threshold must be >= 2, got %d", ErrInvalidInput, c.RepeatedFailureThreshold)
	case c.ContentionThreshold <= 0 || c.ContentionThreshold > 1:
		return fmt.Errorf("%w: contention_threshold must be within (0, 1], got %v", ErrInvalidInput, c.ContentionThreshold)
	case c.DefaultStepEstimate <= 0:
		return fmt.Errorf("%w: default_step_estimate must be > 0", ErrInvalidInput)
	case c.TimeoutGrowth <= 1:
		return fmt.Errorf("%w: timeout_growth must be > 1, got %v", ErrInvalidInput, c.TimeoutGrowth)
	case c.MaxRetryBudget < 1:
		return fmt.Errorf("%w: max_retry_budget must be >= 1, got %d", ErrInvalidInput, c.MaxRetryBudget)
	case c.RealizedTolerance < 0:
		return fmt.Errorf("%w: realized_tolerance must be >= 0, got %v", ErrInvalidInput, c.RealizedTolerance)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinActionScore == 0 {
		c.MinActionScore = d.MinActionScore
	}
	if c.MaxAdaptationIterations == 0 {
		c.MaxAdaptationIterations = d.MaxAdaptationIterations
	}
	if c.PerformanceDegradationMultiplier == 0 {
		c.PerformanceDegradationMultiplier = d.PerformanceDegradationMultiplier
	}
	if c.MinHistorySampleForConfidence == 0 {
		c.MinHistorySampleForConfidence = d.MinHistorySampleForConfidence
	}
	if c.RepeatedFailureThreshold == 0 {
		c.RepeatedFailureThreshold = d.RepeatedFailureThreshold
	}
	if c.ContentionThreshold == 0 {
		c.ContentionThreshold = d.ContentionThreshold
	}
	if c.DefaultStepEstimate == 0 {
		c.DefaultStepEstimate = d.DefaultStepEstimate
	}
	if c.TimeoutGrowth == 0 {
		c.TimeoutGrowth = d.TimeoutGrowth
	}
	if c.MaxRetryBudget == 0 {
		c.MaxRetryBudget = d.MaxRetryBudget
	}
	if c.RealizedTolerance == 0 {
		c.RealizedTolerance = d.RealizedTolerance
	}
	return c
}

package adaptation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"score above one", func(c *Config) { c.MinActionScore = 1.5 }},
		{"negative score", func(c *Config) { c.MinActionScore = -0.1 }},
		{"no iterations", func(c *Config) { c.MaxAdaptationIterations = 0 }},
		{"degradation multiplier of one", func(c *Config) { c.PerformanceDegradationMultiplier = 1 }},
		{"no history sample", func(c *Config) { c.MinHistorySampleForConfidence = 0 }},
		{"single failure threshold", func(c *Config) { c.RepeatedFailureThreshold = 1 }},
		{"contention above one", func(c *Config) { c.ContentionThreshold = 1.2 }},
		{"zero step estimate", func(c *Config) { c.DefaultStepEstimate = 0 }},
		{"timeout shrinks", func(c *Config) { c.TimeoutGrowth = 0.5 }},
		{"no retry budget", func(c *Config) { c.MaxRetryBudget = 0 }},
		{"negative tolerance", func(c *Config) { c.RealizedTolerance = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MinActionScore: 0.5, DefaultStepEstimate: time.Minute}.withDefaults()

	assert.InDelta(t, 0.5, cfg.MinActionScore, 1e-9)
	assert.Equal(t, time.Minute, cfg.DefaultStepEstimate)
	assert.Equal(t, DefaultConfig().MaxAdaptationIterations, cfg.MaxAdaptationIterations)
	assert.Equal(t, DefaultConfig().RealizedTolerance, cfg.RealizedTolerance)
}

func TestError(t *testing.T) {
	cause := errors.New("disk full")

	t.Run("code sentinel and cause both match", func(t *testing.T) {
		err := newError(CodeStorage, "append", "p1", cause)
		assert.ErrorIs(t, err, ErrStorage)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "append [plan p1]: history storage failure: disk full", err.Error())
	})

	t.Run("cause already carries the sentinel", func(t *testing.T) {
		err := newError(CodeInvalidInput, "evaluate", "", fmt.Errorf("%w: plan is nil", ErrInvalidInput))
		assert.Equal(t, "evaluate: invalid input: plan is nil", err.Error())
	})

	t.Run("no cause", func(t *testing.T) {
		assert.Equal(t, "apply: adaptation application failed", newError(CodeApplication, "apply", "", nil).Error())
		assert.Equal(t, "apply: CUSTOM", newError("CUSTOM", "apply", "", nil).Error())
	})

	t.Run("code lookup through wrapping", func(t *testing.T) {
		err := fmt.Errorf("trigger: %w", newError(CodeStalePlanVersion, "apply", "p1", cause))
		assert.Equal(t, CodeStalePlanVersion, CodeOf(err))
		assert.Empty(t, CodeOf(cause))
	})
}

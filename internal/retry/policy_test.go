package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bench-runner/internal/config"
	"bench-runner/internal/shared/apperr"
)

func TestDecideTransientRetriesUntilMaxRetries(t *testing.T) {
	p := NewPolicy(3, time.Minute)

	d := p.Decide(apperr.KindTransient, 1)
	assert.True(t, d.Retry)
	assert.Equal(t, time.Minute, d.Delay)

	d = p.Decide(apperr.KindTransient, 2)
	assert.True(t, d.Retry)
	assert.Equal(t, time.Minute, d.Delay, "delay is fixed")

	d = p.Decide(apperr.KindTransient, 3)
	assert.True(t, d.Retry, "three retries follow the first execution")

	d = p.Decide(apperr.KindTransient, 4)
	assert.False(t, d.Retry)
	assert.Zero(t, d.Delay)
}

func TestSingleRetryPolicy(t *testing.T) {
	p := NewPolicy(1, time.Second)
	assert.True(t, p.Decide(apperr.KindTransient, 1).Retry)
	assert.False(t, p.Decide(apperr.KindTransient, 2).Retry)
}

func TestDecideFatalKindsNeverRetry(t *testing.T) {
	p := NewPolicy(3, time.Minute)
	for _, kind := range []apperr.Kind{
		apperr.KindValidation,
		apperr.KindInvalidTransition,
		apperr.KindExecution,
		apperr.KindConfiguration,
		apperr.KindDecode,
	} {
		d := p.Decide(kind, 1)
		assert.False(t, d.Retry, string(kind))
		assert.Equal(t, kind, d.Kind)
	}
}

func TestDecideErr(t *testing.T) {
	p := NewPolicy(3, time.Second)

	assert.True(t, p.DecideErr(apperr.New(apperr.KindTransient, "op", errors.New("timeout")), 1).Retry)
	assert.False(t, p.DecideErr(apperr.ErrInvalidTransition, 1).Retry)
	assert.False(t, p.DecideErr(errors.New("unknown"), 1).Retry)
}

func TestPolicyDefaults(t *testing.T) {
	p := FromConfig(config.WorkerConfig{})
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, DefaultDelay, p.Decide(apperr.KindTransient, 1).Delay)
}

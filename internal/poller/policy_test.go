package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/synaura/studio-api/internal/config"
)

func testPollConfig() config.PollConfig {
	return config.PollConfig{
		BaseInterval:     12 * time.Second,
		AfterOneMin:      15 * time.Second,
		AfterTwoMin:      20 * time.Second,
		AfterThreeMin:    30 * time.Second,
		ErrorBackoffBase: 5 * time.Second,
		ErrorBackoffMax:  time.Minute,
		RequestTimeout:   8 * time.Second,
		MaxAttempts:      30,
		ProgressEstimate: time.Minute,
	}
}

func TestTieredPolicy(t *testing.T) {
	policy := TieredPolicy(testPollConfig())

	assert.Equal(t, 12*time.Second, policy(0))
	assert.Equal(t, 12*time.Second, policy(59*time.Second))
	assert.Equal(t, 12*time.Second, policy(time.Minute))
	assert.Equal(t, 15*time.Second, policy(time.Minute+time.Second))
	assert.Equal(t, 20*time.Second, policy(2*time.Minute+time.Second))
	assert.Equal(t, 30*time.Second, policy(3*time.Minute+time.Second))
	assert.Equal(t, 30*time.Second, policy(time.Hour))
}

func TestLinearBackoff(t *testing.T) {
	backoff := LinearBackoff(5*time.Second, time.Minute)

	assert.Equal(t, 5*time.Second, backoff(1))
	assert.Equal(t, 10*time.Second, backoff(2))
	assert.Equal(t, 25*time.Second, backoff(5))
	// Cap
	assert.Equal(t, time.Minute, backoff(12))
	assert.Equal(t, time.Minute, backoff(1000))
	// Defensive lower bound
	assert.Equal(t, 5*time.Second, backoff(0))
	assert.Equal(t, 5*time.Second, backoff(-3))
}

func TestProgressFor(t *testing.T) {
	estimate := time.Minute

	assert.Equal(t, 0, progressFor(0, estimate))
	assert.Equal(t, 50, progressFor(30*time.Second, estimate))
	assert.Equal(t, 95, progressFor(57*time.Second, estimate))
	// Never reaches 100 from elapsed time alone
	assert.Equal(t, 95, progressFor(10*time.Minute, estimate))
	assert.Equal(t, 0, progressFor(time.Minute, 0))
}

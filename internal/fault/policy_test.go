package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{
			name: "transient wrapper",
			err:  Transient(errors.New("connection reset")),
			want: CategoryTransient,
		},
		{
			name: "deadline exceeded is transient",
			err:  context.DeadlineExceeded,
			want: CategoryTransient,
		},
		{
			name: "wrapped deadline exceeded",
			err:  errors.Join(errors.New("task timed out"), context.DeadlineExceeded),
			want: CategoryTransient,
		},
		{
			name: "resource unavailable wrapper",
			err:  ResourceUnavailable(errors.New("gpu pool drained")),
			want: CategoryResourceUnavailable,
		},
		{
			name: "open circuit is resource unavailable",
			err:  gobreaker.ErrOpenState,
			want: CategoryResourceUnavailable,
		},
		{
			name: "half-open saturation is resource unavailable",
			err:  gobreaker.ErrTooManyRequests,
			want: CategoryResourceUnavailable,
		},
		{
			name: "validation wrapper",
			err:  Validation(errors.New("payload missing field")),
			want: CategoryValidation,
		},
		{
			name: "validation wins over transient wrapping",
			err:  Transient(Validation(errors.New("bad payload"))),
			want: CategoryValidation,
		},
		{
			name: "plain error is unknown",
			err:  errors.New("boom"),
			want: CategoryUnknown,
		},
		{
			name: "nil error is unknown",
			err:  nil,
			want: CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestOnFailureDecisionTable(t *testing.T) {
	policy := NewPolicy(DefaultRetryConfig(), nil)

	tests := []struct {
		name       string
		err        error
		retryCount int
		maxRetries int
		want       DecisionKind
	}{
		{
			name:       "transient retries",
			err:        Transient(errors.New("flaky")),
			retryCount: 0,
			maxRetries: 3,
			want:       DecisionRetry,
		},
		{
			name:       "transient exhausted fails",
			err:        Transient(errors.New("flaky")),
			retryCount: 3,
			maxRetries: 3,
			want:       DecisionFail,
		},
		{
			name:       "timeout retries",
			err:        context.DeadlineExceeded,
			retryCount: 0,
			maxRetries: 2,
			want:       DecisionRetry,
		},
		{
			name:       "second timeout under two max attempts fails",
			err:        context.DeadlineExceeded,
			retryCount: 1,
			maxRetries: 2,
			want:       DecisionFail,
		},
		{
			name:       "resource unavailable requeues even with exhausted retries",
			err:        ResourceUnavailable(errors.New("busy")),
			retryCount: 5,
			maxRetries: 2,
			want:       DecisionRequeue,
		},
		{
			name:       "validation escalates immediately",
			err:        Validation(errors.New("bad")),
			retryCount: 0,
			maxRetries: 5,
			want:       DecisionRollbackAndEscalate,
		},
		{
			name:       "unmatched fails immediately",
			err:        errors.New("mystery"),
			retryCount: 0,
			maxRetries: 5,
			want:       DecisionFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.OnFailure("analyze", tt.retryCount, tt.maxRetries, tt.err)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}

// TestRetryBackoffGrows verifies later retries wait at least as long as the
// configured floor and respect the cap.
func TestRetryBackoffGrows(t *testing.T) {
	cfg := RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         80 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0, // deterministic for the test
		RequeueWait:         time.Second,
	}
	policy := NewPolicy(cfg, nil)

	err := Transient(errors.New("flaky"))

	first := policy.OnFailure("k", 0, 20, err)
	third := policy.OnFailure("k", 2, 20, err)
	tenth := policy.OnFailure("k", 9, 20, err)

	require.Equal(t, DecisionRetry, first.Kind)
	assert.Equal(t, 10*time.Millisecond, first.After)
	assert.Equal(t, 40*time.Millisecond, third.After)
	assert.Equal(t, 80*time.Millisecond, tenth.After, "backoff must cap at MaxInterval")
}

// TestRequeueUsesFixedWait verifies resource-unavailable uses the fixed wait.
func TestRequeueUsesFixedWait(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.RequeueWait = 42 * time.Millisecond
	policy := NewPolicy(cfg, nil)

	got := policy.OnFailure("k", 0, 3, ResourceUnavailable(errors.New("busy")))
	require.Equal(t, DecisionRequeue, got.Kind)
	assert.Equal(t, 42*time.Millisecond, got.After)
}

// TestBreakerTripsAfterConsecutiveFailures verifies per-kind breakers open
// after the configured failure run and that validation errors don't count.
func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}, nil)

	cb := reg.Get("analyze")
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	_, err := cb.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// A different kind has an independent breaker.
	other := reg.Get("render")
	got, err := other.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

// TestBreakerIgnoresValidationFailures verifies validation errors are treated
// as successes for breaker health accounting.
func TestBreakerIgnoresValidationFailures(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, nil)

	cb := reg.Get("analyze")

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, Validation(errors.New("bad payload")) })
		require.Error(t, err)
	}

	got, err := cb.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err, "breaker must stay closed across validation failures")
	assert.Equal(t, "ok", got)
}

// TestRegistryReturnsSameBreaker verifies Get is stable per kind.
func TestRegistryReturnsSameBreaker(t *testing.T) {
	reg := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	assert.Same(t, reg.Get("analyze"), reg.Get("analyze"))
}

package fault

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DecisionKind enumerates the possible outcomes for a failed unit of work.
type DecisionKind int

const (
	// DecisionRetry re-runs the unit after Decision.After, counting against
	// MaxRetries.
	DecisionRetry DecisionKind = iota
	// DecisionRequeue re-queues the unit after Decision.After without
	// touching its retry budget.
	DecisionRequeue
	// DecisionRollbackAndEscalate fails the unit immediately and asks the
	// owner to roll back any partial effects.
	DecisionRollbackAndEscalate
	// DecisionFail fails the unit permanently.
	DecisionFail
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRetry:
		return "retry"
	case DecisionRequeue:
		return "requeue"
	case DecisionRollbackAndEscalate:
		return "rollback_and_escalate"
	default:
		return "fail"
	}
}

// Decision is the policy verdict for one failure.
type Decision struct {
	Kind  DecisionKind
	After time.Duration
}

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration `json:"initial_interval"`     // Initial retry interval (default 100ms)
	MaxInterval         time.Duration `json:"max_interval"`         // Maximum retry interval (default 10s)
	Multiplier          float64       `json:"multiplier"`           // Backoff multiplier (default 2.0)
	RandomizationFactor float64       `json:"randomization_factor"` // Jitter factor (default 0.5)
	RequeueWait         time.Duration `json:"requeue_wait"`         // Fixed wait before requeue (default 5s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		RequeueWait:         5 * time.Second,
	}
}

// Policy implements the error-handling decision table. Rules match by error
// category, first match wins:
//
//	transient            -> Retry with exponential backoff, bounded by maxRetries
//	resource-unavailable -> Requeue after a fixed wait (retry budget untouched)
//	validation-failed    -> RollbackAndEscalate immediately
//	unmatched            -> Fail immediately
type Policy struct {
	cfg    RetryConfig
	logger *zap.Logger
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg RetryConfig, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "retry_policy")),
	}
}

// OnFailure decides what to do with a failed unit of work.
// retryCount is the number of retries already consumed; maxRetries caps total
// attempts, so a unit with maxRetries=2 fails permanently on its second
// transient failure.
func (p *Policy) OnFailure(kind string, retryCount, maxRetries int, err error) Decision {
	category := Classify(err)

	switch category {
	case CategoryTransient:
		if retryCount+1 >= maxRetries {
			p.logger.Debug("retries exhausted",
				zap.String("kind", kind),
				zap.Int("retry_count", retryCount),
				zap.Int("max_retries", maxRetries),
			)
			return Decision{Kind: DecisionFail}
		}
		return Decision{Kind: DecisionRetry, After: p.backoffFor(retryCount)}

	case CategoryResourceUnavailable:
		return Decision{Kind: DecisionRequeue, After: p.cfg.RequeueWait}

	case CategoryValidation:
		return Decision{Kind: DecisionRollbackAndEscalate}

	default:
		return Decision{Kind: DecisionFail}
	}
}

// backoffFor returns the backoff interval for the given retry count by
// stepping the exponential policy.
func (p *Policy) backoffFor(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.MaxElapsedTime = 0 // bounded by maxRetries, not elapsed time
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

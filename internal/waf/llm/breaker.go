package llm

import (
	"context"

	"github.com/sentryguard/waf/internal/waf/model"

	"github.com/sentryguard/waf/internal/circuitbreaker"
)

// BreakerGateway wraps a Gateway with the judge/learner circuit breaker
// pair, the standard resilience idiom this codebase uses in front of any
// flaky remote dependency. An open breaker simply surfaces as ErrTimeout,
// which the Judge and Learner already treat as fail-open / abort-tick.
type BreakerGateway struct {
	inner    Gateway
	breakers *circuitbreaker.LLMCircuitBreakers
}

// NewBreakerGateway wraps inner with a fresh judge/learner breaker pair.
func NewBreakerGateway(inner Gateway) *BreakerGateway {
	return &BreakerGateway{inner: inner, breakers: circuitbreaker.NewLLMCircuitBreakers()}
}

func (g *BreakerGateway) JudgeRequest(ctx context.Context, payload model.RequestPayload, rulebook *model.Rulebook) (model.JudgeDecision, error) {
	result, err := g.breakers.Judge.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.JudgeRequest(ctx, payload, rulebook)
	})
	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
			return model.JudgeDecision{}, ErrTimeout
		}
		return model.JudgeDecision{}, err
	}
	return result.(model.JudgeDecision), nil
}

func (g *BreakerGateway) LearnRules(ctx context.Context, rulebook *model.Rulebook, flagged []model.LogEntry) (model.LearnerOutput, error) {
	result, err := g.breakers.Learner.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.LearnRules(ctx, rulebook, flagged)
	})
	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
			return model.LearnerOutput{}, ErrTimeout
		}
		return model.LearnerOutput{}, err
	}
	return result.(model.LearnerOutput), nil
}

func (g *BreakerGateway) HealthCheck(ctx context.Context) error {
	return g.inner.HealthCheck(ctx)
}

// Breakers exposes the underlying judge/learner breaker pair. The proxy's
// /health and /metrics endpoints do not report breaker state.
func (g *BreakerGateway) Breakers() *circuitbreaker.LLMCircuitBreakers {
	return g.breakers
}

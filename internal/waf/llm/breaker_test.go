package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryguard/waf/internal/waf/model"
)

func TestBreakerGatewayPassesThroughSuccess(t *testing.T) {
	mock := &MockGateway{Decision: model.AllowDecision(0.9)}
	g := NewBreakerGateway(mock)

	d, err := g.JudgeRequest(context.Background(), model.RequestPayload{}, &model.Rulebook{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, d.Confidence)
}

func TestBreakerGatewayTripsToTimeoutAfterRepeatedFailures(t *testing.T) {
	mock := &MockGateway{Err: ErrTransport}
	g := NewBreakerGateway(mock)

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = g.JudgeRequest(context.Background(), model.RequestPayload{}, &model.Rulebook{})
	}
	assert.ErrorIs(t, lastErr, ErrTimeout)
}

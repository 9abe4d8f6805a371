package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryguard/waf/internal/waf/model"
)

func TestMockGatewayDefaultAllows(t *testing.T) {
	g := &MockGateway{}
	d, err := g.JudgeRequest(context.Background(), model.RequestPayload{Path: "/x"}, &model.Rulebook{})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.EqualValues(t, 1, g.JudgeCalls())
}

func TestMockGatewayBlocksOnSubstring(t *testing.T) {
	g := &MockGateway{BlockSubstrings: []string{"union select"}}
	d, err := g.JudgeRequest(context.Background(), model.RequestPayload{Path: "/search", Body: []byte("q=union select * from users")}, &model.Rulebook{})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionBlock, d.Kind)
	assert.False(t, d.Allowed())
}

func TestMockGatewayPropagatesErr(t *testing.T) {
	g := &MockGateway{Err: ErrTimeout}
	_, err := g.JudgeRequest(context.Background(), model.RequestPayload{}, &model.Rulebook{})
	assert.ErrorIs(t, err, ErrTimeout)

	assert.ErrorIs(t, g.HealthCheck(context.Background()), ErrTimeout)
}

func TestMockGatewayHealthErrOverride(t *testing.T) {
	g := &MockGateway{HealthErr: ErrTransport}
	assert.ErrorIs(t, g.HealthCheck(context.Background()), ErrTransport)
}

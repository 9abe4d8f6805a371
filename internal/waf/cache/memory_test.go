package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/sentryguard/waf/internal/waf/model"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	decision := model.JudgeDecision{Kind: model.DecisionBlock, Confidence: 0.9, Reason: "sqli", Threat: model.ThreatHigh}
	c.Put(ctx, "fp1", decision, time.Minute)

	got, ok := c.Get(ctx, "fp1")
	assert.True(t, ok)
	assert.Equal(t, decision.Kind, got.Kind)
	assert.Equal(t, decision.Confidence, got.Confidence)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, "fp2", model.AllowDecision(1), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, "fp2")
	assert.False(t, ok)
}

func TestCacheKeyPrefix(t *testing.T) {
	assert.Equal(t, "verdict:abc", cacheKey("abc"))
}

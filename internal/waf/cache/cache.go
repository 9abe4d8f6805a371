// Package cache implements the Verdict Cache: a bounded-TTL keyed store
// from request fingerprint to a serialized JudgeDecision.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sentryguard/waf/internal/waf/model"
)

// keyPrefix is prepended to every fingerprint before it touches the
// backing store, per the external cache key contract.
const keyPrefix = "verdict:"

// Cache is the Verdict Cache contract. Implementations must never return
// an error to callers that would fail the Judge: Get degrades to "miss"
// and Put degrades to "ignored" on any backend failure.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (decision model.JudgeDecision, ok bool)
	Put(ctx context.Context, fingerprint string, decision model.JudgeDecision, ttl time.Duration)
	Close() error
}

func cacheKey(fingerprint string) string {
	return keyPrefix + fingerprint
}

// encode serializes a JudgeDecision into its stable structural form: the
// variant tag plus all fields, so deserialization never loses information
// about which case was cached.
func encode(d model.JudgeDecision) ([]byte, error) {
	d.ThreatStr = d.Threat.String()
	return json.Marshal(d)
}

func decode(raw []byte) (model.JudgeDecision, error) {
	var d model.JudgeDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.JudgeDecision{}, err
	}
	if d.ThreatStr != "" {
		if lvl, err := model.ParseThreatLevel(d.ThreatStr); err == nil {
			d.Threat = lvl
		}
	}
	return d, nil
}

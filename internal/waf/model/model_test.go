package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStability(t *testing.T) {
	p1 := RequestPayload{
		Method: "get",
		Path:   "/users",
		Query: []QueryPair{
			{Name: "id", Value: "1"},
			{Name: "sort", Value: "asc"},
		},
		Body: []byte("payload"),
	}
	p2 := RequestPayload{
		Method: "GET",
		Path:   "/users",
		Query: []QueryPair{
			{Name: "sort", Value: "asc"},
			{Name: "id", Value: "1"},
		},
		Body: []byte("payload"),
	}

	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())
}

func TestFingerprintDiffersOnBody(t *testing.T) {
	base := RequestPayload{Method: "POST", Path: "/login", Body: []byte("a=1")}
	other := RequestPayload{Method: "POST", Path: "/login", Body: []byte("a=2")}
	assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
}

func TestJudgeDecisionValidate(t *testing.T) {
	require.NoError(t, AllowDecision(0.5).Validate())

	bad := JudgeDecision{Kind: DecisionBlock, Confidence: 0.9}
	assert.Error(t, bad.Validate())

	badConfidence := JudgeDecision{Kind: DecisionAllow, Confidence: 1.5}
	assert.Error(t, badConfidence.Validate())
}

func TestJudgeDecisionAllowed(t *testing.T) {
	assert.True(t, AllowDecision(1).Allowed())
	assert.True(t, JudgeDecision{Kind: DecisionFlag, Confidence: 0.5, Reason: "x"}.Allowed())
	assert.False(t, JudgeDecision{Kind: DecisionBlock, Confidence: 0.5, Reason: "x"}.Allowed())
}

func TestRulebookValidate(t *testing.T) {
	rb := &Rulebook{
		Version:   1,
		UpdatedAt: "2025-11-06T12:00:00Z",
		Rules: []Rule{
			{ID: "a", Pattern: "x", ThreatType: "sqli", Confidence: 0.5, Action: "block", CreatedBy: "llm", CreatedAt: "2025-11-06T12:00:00Z"},
		},
	}
	require.NoError(t, rb.Validate())

	rb.Rules = append(rb.Rules, Rule{ID: "a", Pattern: "y", ThreatType: "xss", Confidence: 0.1, Action: "flag", CreatedBy: "llm", CreatedAt: "2025-11-06T12:00:00Z"})
	assert.Error(t, rb.Validate(), "duplicate id must fail validation")
}

func TestRulebookCloneIsIndependent(t *testing.T) {
	rb := &Rulebook{Version: 1, UpdatedAt: "t", Rules: []Rule{{ID: "a", Confidence: 0.5, Pattern: "p", ThreatType: "t", Action: "flag", CreatedBy: "llm", CreatedAt: "t"}}}
	clone := rb.Clone()
	clone.Rules[0].Confidence = 0.1
	assert.Equal(t, 0.5, rb.Rules[0].Confidence)
	assert.Equal(t, 0.1, clone.Rules[0].Confidence)
}

func TestTopByConfidence(t *testing.T) {
	rb := &Rulebook{Rules: []Rule{
		{ID: "a", Confidence: 0.2},
		{ID: "b", Confidence: 0.9},
		{ID: "c", Confidence: 0.5},
	}}
	top := rb.TopByConfidence(2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].ID)
	assert.Equal(t, "c", top[1].ID)
}

func TestParseThreatLevel(t *testing.T) {
	lvl, err := ParseThreatLevel("High")
	require.NoError(t, err)
	assert.Equal(t, ThreatHigh, lvl)

	_, err = ParseThreatLevel("bogus")
	assert.Error(t, err)
}

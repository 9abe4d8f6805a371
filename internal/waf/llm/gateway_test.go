package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryguard/waf/internal/waf/model"
)

func TestFirstBalancedJSONObject(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"a\": {\"b\": 1}, \"c\": \"}\"}\n```\nLet me know if that helps."
	obj, err := firstBalancedJSONObject(text)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}, "c": "}"}`, obj)
}

func TestFirstBalancedJSONObjectNoObject(t *testing.T) {
	_, err := firstBalancedJSONObject("no json here")
	assert.Error(t, err)
}

func TestParseJudgeDecision(t *testing.T) {
	text := `I judged it. {"kind":"block","confidence":0.9,"reason":"sqli pattern","threat":"high"} done.`
	d, err := parseJudgeDecision(text)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionBlock, d.Kind)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, model.ThreatHigh, d.Threat)
}

func TestParseJudgeDecisionRejectsMissingReasonOnBlock(t *testing.T) {
	text := `{"kind":"block","confidence":0.9,"reason":"","threat":"high"}`
	_, err := parseJudgeDecision(text)
	assert.Error(t, err)
}

func TestParseLearnerOutput(t *testing.T) {
	text := `{"new_rules":[{"id":"r1","pattern":"p","threat_type":"sqli","confidence":0.7,"action":"flag","created_by":"llm","created_at":"2025-01-01T00:00:00Z"}],"weaken_rule_ids":["old1"],"remove_rule_ids":[]}`
	out, err := parseLearnerOutput(text)
	require.NoError(t, err)
	require.Len(t, out.NewRules, 1)
	assert.Equal(t, "r1", out.NewRules[0].ID)
	assert.Equal(t, []string{"old1"}, out.WeakenRuleIDs)
}

func TestBuildJudgePromptIncludesRequestAndRules(t *testing.T) {
	rb := &model.Rulebook{Version: 3, Rules: []model.Rule{
		{ID: "r1", Pattern: "union select", ThreatType: "sqli", Confidence: 0.9, Action: "block"},
	}}
	payload := model.RequestPayload{Method: "GET", Path: "/login", Query: []model.QueryPair{{Name: "u", Value: "admin"}}}
	prompt := buildJudgePrompt(payload, rb)
	assert.Contains(t, prompt, "union select")
	assert.Contains(t, prompt, "/login")
	assert.Contains(t, prompt, "u=admin")
}

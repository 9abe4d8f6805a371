package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentryguard/waf/internal/waf/model"
)

// Gateway is the capability interface the Judge and Learner depend on.
// Concrete backends (AnthropicGateway, MockGateway) implement it;
// callers inject one at construction rather than reaching for a global.
type Gateway interface {
	JudgeRequest(ctx context.Context, payload model.RequestPayload, rulebook *model.Rulebook) (model.JudgeDecision, error)
	LearnRules(ctx context.Context, rulebook *model.Rulebook, flagged []model.LogEntry) (model.LearnerOutput, error)
	HealthCheck(ctx context.Context) error
}

// maxRulebookRulesInPrompt bounds how many rules are embedded in the
// judge prompt: the highest-confidence rules matter most and the prompt
// must stay small to keep latency and token spend down.
const maxRulebookRulesInPrompt = 50

// maxFlaggedEventsInPrompt bounds how many flagged events are embedded
// in the learner prompt for the same reason.
const maxFlaggedEventsInPrompt = 200

// judgeSystemPrompt instructs the model to return strict JSON matching
// model.JudgeDecision and nothing else.
const judgeSystemPrompt = `You are a web application firewall judge. Given a rulebook summary and a single HTTP request, decide whether to allow, flag, or block it.
Respond with ONLY a single JSON object, no prose, matching exactly this shape:
{"kind":"allow|flag|block","confidence":0.0,"reason":"short justification","threat":"low|medium|high|critical"}
"reason" is required and non-empty whenever kind is "flag" or "block". "confidence" is a float in [0,1].`

// learnerSystemPrompt instructs the model to propose rulebook mutations
// as strict JSON matching model.LearnerOutput.
const learnerSystemPrompt = `You are a web application firewall rule learner. Given the current rulebook and a batch of flagged/blocked events, propose new rules and existing rules to weaken or remove.
Respond with ONLY a single JSON object, no prose, matching exactly this shape:
{"new_rules":[{"id":"...","pattern":"...","threat_type":"...","confidence":0.0,"action":"flag|block","created_by":"llm","created_at":"...","description":"..."}],"weaken_rule_ids":["..."],"remove_rule_ids":["..."]}
Omit rules that are already well covered by the existing rulebook. Prefer precise patterns over broad ones.`

func buildJudgePrompt(payload model.RequestPayload, rulebook *model.Rulebook) string {
	var b strings.Builder
	b.WriteString("Rulebook (version ")
	fmt.Fprintf(&b, "%d", rulebook.Version)
	b.WriteString(", top rules by confidence):\n")
	for _, r := range rulebook.TopByConfidence(maxRulebookRulesInPrompt) {
		fmt.Fprintf(&b, "- [%s] pattern=%q threat=%s action=%s confidence=%.2f\n", r.ID, r.Pattern, r.ThreatType, r.Action, r.Confidence)
	}

	b.WriteString("\nRequest:\n")
	fmt.Fprintf(&b, "method=%s path=%s\n", payload.Method, payload.Path)
	if len(payload.Query) > 0 {
		b.WriteString("query:\n")
		for _, q := range payload.Query {
			fmt.Fprintf(&b, "  %s=%s\n", q.Name, q.Value)
		}
	}
	if len(payload.Headers) > 0 {
		b.WriteString("headers:\n")
		for k, v := range payload.Headers {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}
	if len(payload.Body) > 0 {
		b.WriteString("body:\n")
		b.Write(payload.Body)
		b.WriteString("\n")
	}
	return b.String()
}

func buildLearnerPrompt(rulebook *model.Rulebook, flagged []model.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rulebook (version %d, %d rules):\n", rulebook.Version, len(rulebook.Rules))
	for _, r := range rulebook.Rules {
		fmt.Fprintf(&b, "- [%s] pattern=%q threat=%s action=%s confidence=%.2f\n", r.ID, r.Pattern, r.ThreatType, r.Action, r.Confidence)
	}

	events := flagged
	if len(events) > maxFlaggedEventsInPrompt {
		events = events[len(events)-maxFlaggedEventsInPrompt:]
	}
	fmt.Fprintf(&b, "\nFlagged/blocked events (%d of %d shown):\n", len(events), len(flagged))
	for _, e := range events {
		fmt.Fprintf(&b, "- ts=%d method=%s path=%s decision=%s confidence=%.2f reason=%q\n", e.Timestamp, e.Method, e.Path, e.Decision, e.Confidence, e.Reason)
	}
	return b.String()
}

// parseJudgeDecision extracts the first balanced JSON object from text
// (models routinely wrap JSON in prose or code fences despite
// instructions) and decodes it into a model.JudgeDecision.
func parseJudgeDecision(text string) (model.JudgeDecision, error) {
	obj, err := firstBalancedJSONObject(text)
	if err != nil {
		return model.JudgeDecision{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var wire struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
		Threat     string  `json:"threat"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil {
		return model.JudgeDecision{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	threat, err := model.ParseThreatLevel(wire.Threat)
	if err != nil {
		threat = model.ThreatLow
	}
	decision := model.JudgeDecision{
		Kind:       model.DecisionKind(wire.Kind),
		Confidence: wire.Confidence,
		Reason:     wire.Reason,
		Threat:     threat,
		ThreatStr:  threat.String(),
	}
	if err := decision.Validate(); err != nil {
		return model.JudgeDecision{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return decision, nil
}

// parseLearnerOutput extracts the first balanced JSON object from text
// and decodes it into a model.LearnerOutput.
func parseLearnerOutput(text string) (model.LearnerOutput, error) {
	obj, err := firstBalancedJSONObject(text)
	if err != nil {
		return model.LearnerOutput{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var out model.LearnerOutput
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return model.LearnerOutput{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for _, r := range out.NewRules {
		// id is generated downstream by the Learner if absent, per spec;
		// only pattern is required here.
		if r.Pattern == "" {
			return model.LearnerOutput{}, fmt.Errorf("%w: new rule missing pattern", ErrParse)
		}
	}
	return out, nil
}

// firstBalancedJSONObject scans text for the first top-level balanced
// {...} object, tolerating surrounding prose or markdown code fences.
// It tracks string/escape state so braces inside string literals do not
// confuse the brace counter.
func firstBalancedJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object")
}

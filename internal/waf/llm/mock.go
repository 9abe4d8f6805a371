package llm

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/sentryguard/waf/internal/waf/model"
)

// MockGateway is a deterministic stub backend for tests: no network, no
// parsing, caller-controlled behavior via Decision/Output/Err/Delay.
type MockGateway struct {
	// Decision is returned by JudgeRequest when Err is nil.
	Decision model.JudgeDecision
	// Output is returned by LearnRules when Err is nil.
	Output model.LearnerOutput
	// Err, if set, is returned by JudgeRequest, LearnRules and HealthCheck.
	Err error
	// HealthErr, if set, overrides Err for HealthCheck specifically.
	HealthErr error

	// BlockSubstrings blocks any request whose path, query values or body
	// contains one of these substrings, bypassing Decision; this lets
	// scenario tests exercise the cache-miss → LLM → verdict path
	// deterministically instead of hardcoding one fixed Decision.
	BlockSubstrings []string

	judgeCalls   atomic.Int64
	learnerCalls atomic.Int64
}

func (m *MockGateway) JudgeRequest(_ context.Context, payload model.RequestPayload, _ *model.Rulebook) (model.JudgeDecision, error) {
	m.judgeCalls.Add(1)
	if m.Err != nil {
		return model.JudgeDecision{}, m.Err
	}
	for _, sub := range m.BlockSubstrings {
		matched := strings.Contains(payload.Path, sub) || strings.Contains(string(payload.Body), sub)
		for _, q := range payload.Query {
			if strings.Contains(q.Value, sub) {
				matched = true
			}
		}
		if matched {
			return model.JudgeDecision{
				Kind:       model.DecisionBlock,
				Confidence: 0.95,
				Reason:     "matched mock block rule: " + sub,
				Threat:     model.ThreatHigh,
				ThreatStr:  model.ThreatHigh.String(),
			}, nil
		}
	}
	if m.Decision.Kind == "" {
		return model.AllowDecision(1.0), nil
	}
	return m.Decision, nil
}

func (m *MockGateway) LearnRules(_ context.Context, _ *model.Rulebook, _ []model.LogEntry) (model.LearnerOutput, error) {
	m.learnerCalls.Add(1)
	if m.Err != nil {
		return model.LearnerOutput{}, m.Err
	}
	return m.Output, nil
}

func (m *MockGateway) HealthCheck(_ context.Context) error {
	if m.HealthErr != nil {
		return m.HealthErr
	}
	return m.Err
}

func (m *MockGateway) JudgeCalls() int64   { return m.judgeCalls.Load() }
func (m *MockGateway) LearnerCalls() int64 { return m.learnerCalls.Load() }

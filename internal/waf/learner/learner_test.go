package learner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/rulebook"
)

type fakeEvents struct {
	entries []model.LogEntry
}

func (f *fakeEvents) FlaggedSince(_ context.Context, _ int64) ([]model.LogEntry, error) {
	return f.entries, nil
}

func seedFlagged(n int) []model.LogEntry {
	out := make([]model.LogEntry, n)
	for i := range out {
		out[i] = model.LogEntry{Timestamp: time.Now().Unix(), Method: "GET", Path: "/x", Decision: "flag", Confidence: 0.6}
	}
	return out
}

func newTestRulebook(t *testing.T) *rulebook.Store {
	t.Helper()
	s, err := rulebook.Open(filepath.Join(t.TempDir(), "rulebook.json"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTickSkipsBelowThreshold(t *testing.T) {
	rb := newTestRulebook(t)
	gw := &llm.MockGateway{}
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(3)}, Rulebook: rb, LLM: gw, MinFlagged: 10})

	require.NoError(t, l.Tick(context.Background()))

	assert.EqualValues(t, 0, gw.LearnerCalls(), "no LLM call should be made below the threshold")
	assert.Equal(t, 1, rb.SnapshotNow().Version, "rulebook version must be unchanged")
	assert.EqualValues(t, 1, l.Metrics().LowVolume.Load())
}

func TestTickAddsNewRule(t *testing.T) {
	rb := newTestRulebook(t)
	gw := &llm.MockGateway{Output: model.LearnerOutput{
		NewRules: []model.Rule{{Pattern: "union select", ThreatType: "sqli", Confidence: 0.8, Action: "block", Description: "sqli"}},
	}}
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(12)}, Rulebook: rb, LLM: gw, MinFlagged: 10})

	require.NoError(t, l.Tick(context.Background()))

	snap := rb.SnapshotNow()
	assert.Equal(t, 2, snap.Version)
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, "llm", snap.Rules[0].CreatedBy)
	assert.NotEmpty(t, snap.Rules[0].ID)
}

func TestTickWeakensRule(t *testing.T) {
	rb := newTestRulebook(t)
	_, err := rb.Publish([]model.Rule{{ID: "r1", Pattern: "p", ThreatType: "xss", Confidence: 0.5, Action: "flag", CreatedBy: "human", CreatedAt: "2025-01-01T00:00:00Z"}})
	require.NoError(t, err)

	gw := &llm.MockGateway{Output: model.LearnerOutput{WeakenRuleIDs: []string{"r1"}}}
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(12)}, Rulebook: rb, LLM: gw, MinFlagged: 10})

	require.NoError(t, l.Tick(context.Background()))

	snap := rb.SnapshotNow()
	require.Len(t, snap.Rules, 1)
	assert.InDelta(t, 0.4, snap.Rules[0].Confidence, 1e-9)
}

func TestTickRemovesRule(t *testing.T) {
	rb := newTestRulebook(t)
	_, err := rb.Publish([]model.Rule{{ID: "r1", Pattern: "p", ThreatType: "xss", Confidence: 0.5, Action: "flag", CreatedBy: "human", CreatedAt: "2025-01-01T00:00:00Z"}})
	require.NoError(t, err)

	gw := &llm.MockGateway{Output: model.LearnerOutput{RemoveRuleIDs: []string{"r1", "does-not-exist"}}}
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(12)}, Rulebook: rb, LLM: gw, MinFlagged: 10})

	require.NoError(t, l.Tick(context.Background()))

	assert.Empty(t, rb.SnapshotNow().Rules)
}

func TestTickDoesNotAdvanceLastRunOnFailure(t *testing.T) {
	rb := newTestRulebook(t)
	gw := &llm.MockGateway{Err: llm.ErrTimeout}
	seed := time.Now().Add(-time.Hour)
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(12)}, Rulebook: rb, LLM: gw, MinFlagged: 10, InitialLastRun: seed})

	before := l.LastRun()
	assert.Error(t, l.Tick(context.Background()))
	assert.Equal(t, before.Unix(), l.LastRun().Unix())
	assert.Equal(t, 1, rb.SnapshotNow().Version)
}

func TestTickDeduplicatesByPatternAndThreatType(t *testing.T) {
	rb := newTestRulebook(t)
	_, err := rb.Publish([]model.Rule{{ID: "r1", Pattern: "union select", ThreatType: "sqli", Confidence: 0.5, Action: "block", CreatedBy: "llm", CreatedAt: "2025-01-01T00:00:00Z"}})
	require.NoError(t, err)

	gw := &llm.MockGateway{Output: model.LearnerOutput{
		NewRules: []model.Rule{{Pattern: "union select", ThreatType: "sqli", Confidence: 0.9, Action: "block"}},
	}}
	l := New(Config{Events: &fakeEvents{entries: seedFlagged(12)}, Rulebook: rb, LLM: gw, MinFlagged: 10})

	require.NoError(t, l.Tick(context.Background()))

	assert.Len(t, rb.SnapshotNow().Rules, 1, "duplicate (pattern, threat_type) must not be added again")
}

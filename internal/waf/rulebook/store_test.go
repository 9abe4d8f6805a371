package rulebook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sentryguard/waf/internal/waf/model"
)

func TestOpenInitializesEmptyRulebook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	snap := s.SnapshotNow()
	assert.Equal(t, 1, snap.Version)
	assert.Empty(t, snap.Rules)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestPublishIncrementsVersionMonotonically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	rule := model.Rule{ID: "r1", Pattern: "p", ThreatType: "sqli", Confidence: 0.8, Action: "block", CreatedBy: "llm", CreatedAt: "2025-01-01T00:00:00Z"}
	v1, err := s.Publish([]model.Rule{rule})
	require.NoError(t, err)
	assert.Equal(t, 2, v1.Version)

	v2, err := s.Publish([]model.Rule{rule})
	require.NoError(t, err)
	assert.Equal(t, 3, v2.Version)
	assert.GreaterOrEqual(t, v2.UpdatedAt, v1.UpdatedAt)
}

func TestPublishRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	rule := model.Rule{ID: "dup", Pattern: "p", ThreatType: "sqli", Confidence: 0.8, Action: "block", CreatedBy: "llm", CreatedAt: "2025-01-01T00:00:00Z"}
	_, err = s.Publish([]model.Rule{rule, rule})
	assert.Error(t, err)
}

func TestHotReloadPicksUpExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	newContent := `{"version":5,"updated_at":"2025-01-01T00:00:00Z","rules":[]}`
	require.NoError(t, os.WriteFile(path, []byte(newContent), 0o644))

	assert.Eventually(t, func() bool {
		return s.SnapshotNow().Version == 5
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHotReloadIgnoresInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, 1, s.SnapshotNow().Version, "invalid content must not replace the snapshot")
}

func TestSubscribeReceivesPublishedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ch := s.Subscribe()
	_, err = s.Publish([]model.Rule{})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, 2, snap.Version)
	case <-time.After(time.Second):
		t.Fatal("did not receive change notification")
	}
}

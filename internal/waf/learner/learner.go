// Package learner implements the cold-path periodic batch that distills
// new rules from flagged history: scan flagged events, consult the LLM
// Gateway, and apply a structured mutation set to the rulebook.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentryguard/waf/internal/waf/eventlog"
	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/rulebook"
)

// weakenFactor is applied to a rule's confidence when the LLM asks to
// weaken it, per spec.md §4.4.
const weakenFactor = 0.8

// State is the Learner's tick state machine, implemented as an explicit
// type the way this codebase's circuitbreaker.State is.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConsulting
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateConsulting:
		return "CONSULTING"
	case StatePublishing:
		return "PUBLISHING"
	default:
		return "UNKNOWN"
	}
}

// Metrics tracks Learner tick outcomes for /health and operator tooling.
type Metrics struct {
	Ticks        atomic.Uint64
	LowVolume    atomic.Uint64
	Published    atomic.Uint64
	Failed       atomic.Uint64
	RulesAdded   atomic.Uint64
	RulesWeaken  atomic.Uint64
	RulesRemoved atomic.Uint64
}

// EventSource is the subset of the Event Log Store the Learner reads.
type EventSource interface {
	FlaggedSince(ctx context.Context, t int64) ([]model.LogEntry, error)
}

var _ EventSource = (*eventlog.Store)(nil)

// Learner runs as a single long-lived task with an interval timer. It
// never blocks the Judge: the only shared resource it touches is the
// rulebook, written through the Store and never through the Judge.
type Learner struct {
	events   EventSource
	rulebook *rulebook.Store
	llm      llm.Gateway
	metrics  *Metrics

	interval    time.Duration
	minFlagged  int
	llmTimeout  time.Duration

	mu      sync.Mutex
	state   State
	lastRun int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles the Learner's construction parameters.
type Config struct {
	Events     EventSource
	Rulebook   *rulebook.Store
	LLM        llm.Gateway
	Interval   time.Duration
	MinFlagged int
	LLMTimeout time.Duration
	// InitialLastRun seeds the last_run marker. Defaults to now (process
	// start time). The marker is held in memory only; it is not persisted
	// and does not survive a restart.
	InitialLastRun time.Time
}

// New constructs a Learner. It does not start ticking; call Run.
func New(cfg Config) *Learner {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Minute
	}
	if cfg.MinFlagged <= 0 {
		cfg.MinFlagged = 10
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 120 * time.Second
	}
	lastRun := cfg.InitialLastRun
	if lastRun.IsZero() {
		lastRun = time.Now()
	}
	return &Learner{
		events:     cfg.Events,
		rulebook:   cfg.Rulebook,
		llm:        cfg.LLM,
		metrics:    &Metrics{},
		interval:   cfg.Interval,
		minFlagged: cfg.MinFlagged,
		llmTimeout: cfg.LLMTimeout,
		lastRun:    lastRun.Unix(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (l *Learner) Metrics() *Metrics { return l.metrics }

func (l *Learner) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Learner) LastRun() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Unix(l.lastRun, 0).UTC()
}

func (l *Learner) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run blocks, ticking every interval until Stop is called or ctx is
// cancelled. Intended to be run as a single long-lived goroutine.
func (l *Learner) Run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop requests Run to exit and waits for it to do so.
func (l *Learner) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}

// Tick runs one iteration of the algorithm in spec.md §4.6. It is
// exported so operator tooling (wafctl) and tests can force a tick
// outside the interval timer.
func (l *Learner) Tick(ctx context.Context) error {
	l.metrics.Ticks.Add(1)
	l.setState(StateScanning)

	since := l.LastRun().Unix()
	flagged, err := l.events.FlaggedSince(ctx, since)
	if err != nil {
		l.setState(StateIdle)
		l.metrics.Failed.Add(1)
		slog.Warn("learner: flagged_since query failed, aborting tick", "error", err)
		return fmt.Errorf("learner: query flagged events: %w", err)
	}

	if len(flagged) < l.minFlagged {
		l.advanceLastRun()
		l.metrics.LowVolume.Add(1)
		l.setState(StateIdle)
		return nil
	}

	l.setState(StateConsulting)
	snapshot := l.rulebook.SnapshotNow()

	llmCtx, cancel := context.WithTimeout(ctx, l.llmTimeout)
	output, err := l.llm.LearnRules(llmCtx, snapshot, flagged)
	cancel()
	if err != nil {
		// Per spec.md §4.6 step 7: do not advance last_run on failure so
		// the next tick re-examines the same window.
		l.setState(StateIdle)
		l.metrics.Failed.Add(1)
		slog.Warn("learner: learn_rules failed, will retry same window", "error", err)
		return fmt.Errorf("learner: learn_rules: %w", err)
	}

	mutated, added, weakened, removed := applyMutations(snapshot, output)

	l.setState(StatePublishing)
	if _, err := l.rulebook.Publish(mutated.Rules); err != nil {
		l.setState(StateIdle)
		l.metrics.Failed.Add(1)
		slog.Warn("learner: publish failed, will retry same window", "error", err)
		return fmt.Errorf("learner: publish: %w", err)
	}

	l.metrics.RulesAdded.Add(uint64(added))
	l.metrics.RulesWeaken.Add(uint64(weakened))
	l.metrics.RulesRemoved.Add(uint64(removed))
	l.metrics.Published.Add(1)
	l.advanceLastRun()
	l.setState(StateIdle)
	return nil
}

func (l *Learner) advanceLastRun() {
	l.mu.Lock()
	l.lastRun = time.Now().Unix()
	l.mu.Unlock()
}

// applyMutations clones the rulebook and applies the add/weaken/remove
// set from a LearnerOutput, per spec.md §4.6 step 5.
func applyMutations(snapshot *model.Rulebook, output model.LearnerOutput) (*model.Rulebook, int, int, int) {
	mutated := snapshot.Clone()

	removed := removeRules(mutated, output.RemoveRuleIDs)
	weakened := weakenRules(mutated, output.WeakenRuleIDs)
	added := addRules(mutated, output.NewRules)

	return mutated, added, weakened, removed
}

func removeRules(rb *model.Rulebook, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}
	kept := make([]model.Rule, 0, len(rb.Rules))
	removed := 0
	for _, r := range rb.Rules {
		if _, ok := remove[r.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	rb.Rules = kept
	return removed
}

// weakenRules multiplies the target rule's confidence by weakenFactor,
// clamped to [0,1], per the Weakening law (invariant 7).
func weakenRules(rb *model.Rulebook, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	weaken := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		weaken[id] = struct{}{}
	}
	count := 0
	for i := range rb.Rules {
		if _, ok := weaken[rb.Rules[i].ID]; ok {
			rb.Rules[i].Confidence = clamp01(rb.Rules[i].Confidence * weakenFactor)
			count++
		}
	}
	return count
}

// addRules appends each new rule, generating an id if absent and
// stamping created_by/created_at, deduplicated by (pattern, threat_type)
// against the rules already in rb.
func addRules(rb *model.Rulebook, newRules []model.Rule) int {
	if len(newRules) == 0 {
		return 0
	}
	existing := make(map[string]struct{}, len(rb.Rules))
	for _, r := range rb.Rules {
		existing[dedupeKey(r)] = struct{}{}
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	added := 0
	for _, r := range newRules {
		key := dedupeKey(r)
		if _, dup := existing[key]; dup {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CreatedBy = "llm"
		r.CreatedAt = now
		rb.Rules = append(rb.Rules, r)
		existing[key] = struct{}{}
		added++
	}
	return added
}

func dedupeKey(r model.Rule) string {
	return r.Pattern + "\x00" + r.ThreatType
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

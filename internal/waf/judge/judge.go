// Package judge implements the hot-path, per-request decider: verdict
// cache lookup, bounded LLM call, fail-open policy, and asynchronous
// audit logging.
package judge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sentryguard/waf/internal/waf/cache"
	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/rulebook"
)

// AuditSink receives a LogEntry for every evaluated request. It is
// invoked from a detached goroutine and must not block the caller for
// long; the Judge bounds the append itself with auditTimeout.
type AuditSink interface {
	Append(ctx context.Context, entry model.LogEntry) (int64, error)
}

// VerdictPublisher receives every verdict the Judge produces, for the
// ambient CloudEvent/live-stream fan-out. Implementations must not
// block; nil is a valid no-op publisher.
type VerdictPublisher interface {
	PublishVerdict(payload model.RequestPayload, decision model.JudgeDecision, cacheHit bool)
}

// auditTimeout bounds the detached audit append so a slow or stuck
// Event Log Store can never leak goroutines indefinitely.
const auditTimeout = 5 * time.Second

// Judge evaluates normalized requests: cache -> LLM -> fail-open, always
// returning a valid verdict and never raising to the caller. It is
// stateless across calls apart from its metrics counters and injected
// dependencies.
type Judge struct {
	cache     cache.Cache
	rulebook  *rulebook.Store
	llm       llm.Gateway
	log       AuditSink
	publisher VerdictPublisher
	metrics   *model.JudgeMetrics

	cacheTTL     time.Duration
	judgeTimeout time.Duration
}

// Config bundles the Judge's construction parameters.
type Config struct {
	Cache        cache.Cache
	Rulebook     *rulebook.Store
	LLM          llm.Gateway
	Log          AuditSink
	Publisher    VerdictPublisher
	Metrics      *model.JudgeMetrics
	CacheTTL     time.Duration
	JudgeTimeout time.Duration
}

// New constructs a Judge from its injected dependencies. Avoid reaching
// for globals: every collaborator is passed in at construction.
func New(cfg Config) *Judge {
	if cfg.Metrics == nil {
		cfg.Metrics = model.NewJudgeMetrics()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 900 * time.Second
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 30 * time.Second
	}
	return &Judge{
		cache:        cfg.Cache,
		rulebook:     cfg.Rulebook,
		llm:          cfg.LLM,
		log:          cfg.Log,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		cacheTTL:     cfg.CacheTTL,
		judgeTimeout: cfg.JudgeTimeout,
	}
}

// Metrics returns the Judge's counters, for /health and /metrics.
func (j *Judge) Metrics() *model.JudgeMetrics {
	return j.metrics
}

// Evaluate is the Judge's public operation: it always returns a valid
// verdict and never propagates an LLM or cache error to the caller.
// Independently of the return value, it dispatches an audit record in a
// detached goroutine that must not delay the reply.
func (j *Judge) Evaluate(ctx context.Context, payload model.RequestPayload) model.JudgeDecision {
	j.metrics.IncTotalRequests()
	fingerprint := payload.Fingerprint()

	if decision, ok := j.cache.Get(ctx, fingerprint); ok {
		j.metrics.IncCacheHit()
		j.finish(payload, decision, true)
		return decision
	}
	j.metrics.IncCacheMiss()

	decision, cacheable := j.consultLLM(ctx, payload)
	if cacheable {
		j.cache.Put(ctx, fingerprint, decision, j.cacheTTL)
	}
	j.finish(payload, decision, false)
	return decision
}

// consultLLM takes a rulebook snapshot and calls the LLM Gateway under a
// bounded deadline, applying the fail-open policy from spec.md §4.5
// steps 5-7. The bool return reports whether the verdict may be cached:
// fail-open verdicts are never cached (invariant 4).
func (j *Judge) consultLLM(ctx context.Context, payload model.RequestPayload) (model.JudgeDecision, bool) {
	snapshot := j.rulebook.SnapshotNow()

	ctx, cancel := context.WithTimeout(ctx, j.judgeTimeout)
	defer cancel()

	decision, err := j.llm.JudgeRequest(ctx, payload, snapshot)
	if err == nil {
		if verr := decision.Validate(); verr != nil {
			j.metrics.IncLlmError()
			j.metrics.IncFailOpen()
			return model.FailOpenDecision(), false
		}
		return decision, true
	}

	if errors.Is(err, llm.ErrTimeout) || ctx.Err() != nil {
		j.metrics.IncLlmTimeout()
		j.metrics.IncFailOpen()
		return model.FailOpenDecision(), false
	}

	j.metrics.IncLlmError()
	j.metrics.IncFailOpen()
	return model.FailOpenDecision(), false
}

// finish records the final decision in the metrics, publishes it to the
// ambient verdict stream, and dispatches the audit record asynchronously.
func (j *Judge) finish(payload model.RequestPayload, decision model.JudgeDecision, cacheHit bool) {
	j.metrics.IncDecision(decision.Kind)

	if j.publisher != nil {
		j.publisher.PublishVerdict(payload, decision, cacheHit)
	}

	if j.log == nil {
		return
	}
	entry := model.LogEntry{
		Timestamp:   time.Now().Unix(),
		Method:      payload.Method,
		Path:        payload.Path,
		PayloadHash: payload.Fingerprint(),
		Decision:    string(decision.Kind),
		Confidence:  decision.Confidence,
		Reason:      decision.Reason,
		IPAddr:      payload.SourceIP,
		UserAgent:   payload.UserAgent,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if _, err := j.log.Append(ctx, entry); err != nil {
			slog.Warn("judge: audit append failed, dropping record", "error", err, "path", entry.Path)
		}
	}()
}

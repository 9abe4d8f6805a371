// Command waf-server wires together the Verdict Cache, Event Log Store,
// Rulebook Store, LLM Gateway, Judge, Learner, and proxy HTTP surface
// into one running process, and shuts it down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentryguard/waf/internal/config"
	"github.com/sentryguard/waf/internal/waf/cache"
	"github.com/sentryguard/waf/internal/waf/eventlog"
	"github.com/sentryguard/waf/internal/waf/events"
	"github.com/sentryguard/waf/internal/waf/judge"
	"github.com/sentryguard/waf/internal/waf/learner"
	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/proxy"
	"github.com/sentryguard/waf/internal/waf/rulebook"
	"github.com/sentryguard/waf/internal/waf/stream"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Get()

	rb, err := rulebook.Open(cfg.Storage.RulebookPath)
	if err != nil {
		slog.Error("waf-server: open rulebook store", "error", err)
		os.Exit(1)
	}
	defer rb.Close()

	log, err := eventlog.Open(cfg.Storage.LogDBPath)
	if err != nil {
		slog.Error("waf-server: open event log store", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	verdictCache := buildCache(cfg)
	defer verdictCache.Close()

	gateway, err := buildGateway(cfg)
	if err != nil {
		slog.Error("waf-server: build llm gateway", "error", err)
		os.Exit(1)
	}

	bus, busCloser := buildEventBus(cfg)
	if busCloser != nil {
		defer busCloser()
	}

	streamer := stream.NewVerdictStreamer()

	publisher := &fanoutPublisher{streamer: streamer, bus: bus}

	j := judge.New(judge.Config{
		Cache:        verdictCache,
		Rulebook:     rb,
		LLM:          gateway,
		Log:          log,
		Publisher:    publisher,
		CacheTTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		JudgeTimeout: time.Duration(cfg.LLM.JudgeTimeoutMs) * time.Millisecond,
	})

	l := learner.New(learner.Config{
		Events:     log,
		Rulebook:   rb,
		LLM:        gateway,
		Interval:   time.Duration(cfg.Learner.BatchIntervalMinutes) * time.Minute,
		MinFlagged: cfg.Learner.MinFlaggedRequests,
		LLMTimeout: time.Duration(cfg.LLM.LearnerTimeoutMs) * time.Millisecond,
	})

	srv, err := proxy.New(proxy.Config{
		Judge:          j,
		Rulebook:       rb,
		LLMGateway:     gateway,
		UpstreamURL:    cfg.WAF.UpstreamURL,
		MaxBodyBytes:   int64(cfg.WAF.MaxBodyBytes),
		RequestTimeout: time.Duration(cfg.WAF.RequestTimeoutMs) * time.Millisecond,
		Streamer:       streamer,
		Learner:        l,
		AdminAPIKey:    os.Getenv("WAF_ADMIN_API_KEY"),
	})
	if err != nil {
		slog.Error("waf-server: build proxy server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthStop := make(chan struct{})
	go srv.RunHealthProbe(healthStop)

	streamStop := make(chan struct{})
	go streamer.Run(streamStop)

	rulebookSub := rb.Subscribe()
	go bridgeRulebookPublishes(rulebookSub, streamer, bus, ctx.Done())

	if cfg.Learner.Enabled {
		go l.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:    cfg.WAF.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		slog.Info("waf-server: listening", "addr", cfg.WAF.ListenAddr, "upstream", cfg.WAF.UpstreamURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("waf-server: listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("waf-server: shutting down")

	close(healthStop)
	close(streamStop)
	if cfg.Learner.Enabled {
		l.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("waf-server: graceful shutdown failed", "error", err)
	}
}

// buildCache picks a Redis-backed cache when cache.enabled and connection
// succeeds, falling back to the in-process cache otherwise: the Verdict
// Cache is never a hard startup dependency.
func buildCache(cfg *config.Config) cache.Cache {
	if !cfg.Cache.Enabled || cfg.Cache.URL == "" {
		return cache.NewMemoryCache()
	}
	rc, err := cache.NewRedisCache(cfg.Cache.URL)
	if err != nil {
		slog.Warn("waf-server: redis cache unavailable, falling back to in-memory", "error", err)
		return cache.NewMemoryCache()
	}
	return rc
}

// buildGateway constructs the real Anthropic-backed LLM Gateway wrapped in
// the judge/learner circuit breaker pair, or a MockGateway when no API key
// is configured, for local development without a vendor dependency.
func buildGateway(cfg *config.Config) (llm.Gateway, error) {
	if cfg.LLM.APIKeyEnv == "" || os.Getenv(cfg.LLM.APIKeyEnv) == "" {
		slog.Warn("waf-server: no LLM API key configured, using mock gateway")
		return &llm.MockGateway{Decision: model.AllowDecision(1.0)}, nil
	}

	gw, err := llm.NewAnthropicGateway(llm.AnthropicConfig{
		APIKeyEnv:          cfg.LLM.APIKeyEnv,
		Model:              cfg.LLM.Model,
		JudgeTimeout:       time.Duration(cfg.LLM.JudgeTimeoutMs) * time.Millisecond,
		JudgeMaxTokens:     int64(cfg.LLM.JudgeMaxTokens),
		JudgeTemperature:   cfg.LLM.JudgeTemperature,
		LearnerTimeout:     time.Duration(cfg.LLM.LearnerTimeoutMs) * time.Millisecond,
		LearnerMaxTokens:   int64(cfg.LLM.LearnerMaxTokens),
		LearnerTemperature: cfg.LLM.LearnerTemperature,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewBreakerGateway(gw), nil
}

// buildEventBus wires the optional durable Pub/Sub sink on top of the
// in-process bus, when events.pubsub_enabled. The returned closer is nil
// when no durable sink was created.
func buildEventBus(cfg *config.Config) (events.Emitter, func() error) {
	if !cfg.Events.PubSubEnabled {
		return events.NewBus(), nil
	}
	pb, err := events.NewPubSubBus(cfg.Events.PubSubProjectID, cfg.Events.PubSubTopicID)
	if err != nil {
		slog.Warn("waf-server: pubsub bus unavailable, falling back to in-process bus", "error", err)
		return events.NewBus(), nil
	}
	return pb, pb.Close
}

// fanoutPublisher bridges Judge verdicts to both the live operator stream
// and the durable CloudEvents bus.
type fanoutPublisher struct {
	streamer *stream.VerdictStreamer
	bus      events.Emitter
}

func (f *fanoutPublisher) PublishVerdict(payload model.RequestPayload, decision model.JudgeDecision, cacheHit bool) {
	f.streamer.PublishVerdict(payload, decision, cacheHit)
	f.bus.Emit(events.TypeVerdict, "waf-server", payload.Path, map[string]interface{}{
		"method":      payload.Method,
		"path":        payload.Path,
		"decision":    string(decision.Kind),
		"confidence":  decision.Confidence,
		"reason":      decision.Reason,
		"cache_hit":   cacheHit,
	})
}

// bridgeRulebookPublishes forwards every Rulebook Store publish to the
// live operator stream and the durable event bus, until done fires.
func bridgeRulebookPublishes(sub <-chan *rulebook.Snapshot, streamer *stream.VerdictStreamer, bus events.Emitter, done <-chan struct{}) {
	for {
		select {
		case snapshot, ok := <-sub:
			if !ok {
				return
			}
			streamer.PublishRulebookVersion(snapshot.Version)
			bus.Emit(events.TypeRulebookPublish, "waf-server", "", map[string]interface{}{
				"version":    snapshot.Version,
				"updated_at": snapshot.UpdatedAt,
				"rule_count": len(snapshot.Rules),
			})
		case <-done:
			return
		}
	}
}

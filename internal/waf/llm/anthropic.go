package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sentryguard/waf/internal/waf/model"
)

// AnthropicConfig configures the vendor-backed Gateway.
type AnthropicConfig struct {
	APIKeyEnv         string
	Model             string
	JudgeTimeout      time.Duration
	JudgeMaxTokens    int64
	JudgeTemperature  float64
	LearnerTimeout    time.Duration
	LearnerMaxTokens  int64
	LearnerTemperature float64
}

// AnthropicGateway is the real vendor backend, talking to the Anthropic
// Messages API directly (no Bedrock/AWS hop: the WAF has no AWS
// deployment context, just an API key).
type AnthropicGateway struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropicGateway reads the API key from the environment variable
// named by cfg.APIKeyEnv.
func NewAnthropicGateway(cfg AnthropicConfig) (*AnthropicGateway, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("llm: environment variable %s is empty", cfg.APIKeyEnv)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicGateway{client: client, cfg: cfg}, nil
}

// JudgeRequest issues a single low-temperature, small-token completion
// and parses the strict-JSON verdict out of it. Callers are expected to
// wrap this in the judge circuit breaker; this method itself only
// applies the transport-retry-then-timeout policy.
func (g *AnthropicGateway) JudgeRequest(ctx context.Context, payload model.RequestPayload, rulebook *model.Rulebook) (model.JudgeDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.JudgeTimeout)
	defer cancel()

	prompt := buildJudgePrompt(payload, rulebook)
	text, err := g.complete(ctx, judgeSystemPrompt, prompt, g.cfg.JudgeMaxTokens, g.cfg.JudgeTemperature)
	if err != nil {
		return model.JudgeDecision{}, err
	}
	return parseJudgeDecision(text)
}

// LearnRules issues a single moderate-temperature, larger-token
// completion proposing rulebook mutations.
func (g *AnthropicGateway) LearnRules(ctx context.Context, rulebook *model.Rulebook, flagged []model.LogEntry) (model.LearnerOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LearnerTimeout)
	defer cancel()

	prompt := buildLearnerPrompt(rulebook, flagged)
	text, err := g.complete(ctx, learnerSystemPrompt, prompt, g.cfg.LearnerMaxTokens, g.cfg.LearnerTemperature)
	if err != nil {
		return model.LearnerOutput{}, err
	}
	return parseLearnerOutput(text)
}

// HealthCheck issues a minimal completion to confirm the backend is
// reachable and authenticating correctly.
func (g *AnthropicGateway) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.JudgeTimeout)
	defer cancel()

	_, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(g.cfg.Model),
		MaxTokens:   1,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	return g.classifyErr(err)
}

// complete performs a single transport attempt, retrying once with a
// ~100ms backoff on transport failure; a second transport failure is
// surfaced to the caller as ErrTimeout.
func (g *AnthropicGateway) complete(ctx context.Context, system, userPrompt string, maxTokens int64, temperature float64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.cfg.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrTimeout
		}
		// One retry with ~100ms backoff on transport failure.
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ErrTimeout
		}
		message, err = g.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, g.classifyErr(err))
		}
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrParse)
	}
	return text, nil
}

func (g *AnthropicGateway) classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

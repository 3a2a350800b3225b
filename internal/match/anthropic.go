package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/resilience"
	"github.com/sells-group/customs-cli/pkg/anthropic"
)

// ErrMalformedSuggestion is returned when the model's reply is not the
// expected JSON object.
var ErrMalformedSuggestion = eris.New("match: malformed AI response")

const suggestSystemPrompt = `You map values from customs declarations onto the fixed code list of a government portal.
Pick exactly one code from the options you are given. Never invent a code and never answer with a code that is not in the list.
If no option is a good match, set "code" to null.
Respond with only a JSON object: {"code": "<code from the list>" or null, "label": "<label of that code>", "confidence": "high" | "medium" | "low", "reasoning": "<one sentence>"}`

const suggestUserPrompt = `Reference type: %s
Form field: %s
Value to match: %q

Options (code | label):
%s`

// BackendConfig configures AnthropicBackend.
type BackendConfig struct {
	Model     string
	MaxTokens int64
	// RatePerSec bounds calls per second across all sessions sharing the
	// backend. Zero disables limiting.
	RatePerSec float64
	Retry      resilience.RetryConfig
	Breaker    resilience.CircuitBreakerConfig
}

// AnthropicBackend implements Backend with a Claude model.
type AnthropicBackend struct {
	client  anthropic.Client
	cfg     BackendConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewAnthropicBackend wires a rate limiter, retry policy and circuit breaker
// around client.
func NewAnthropicBackend(client anthropic.Client, cfg BackendConfig) *AnthropicBackend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = retryable
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "suggest")
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("match: AI backend circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &AnthropicBackend{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}
}

// Suggest asks the model to choose one of req.Options for req.Value.
func (b *AnthropicBackend) Suggest(ctx context.Context, req SuggestRequest) (*Suggestion, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "match: rate limit wait")
	}

	temp := 0.0
	msgReq := anthropic.MessageRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		System:      suggestSystemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: BuildPrompt(req)}},
		Temperature: &temp,
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, b.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return b.client.CreateMessage(ctx, msgReq)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "match: suggest")
	}
	resp.Usage.LogCost(b.cfg.Model, "reference_match")
	zap.L().Debug("match: AI suggestion received",
		zap.String("reference_type", req.ReferenceType),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return ParseSuggestion(resp.Text())
}

// BuildPrompt renders the user prompt with the closed candidate list.
func BuildPrompt(req SuggestRequest) string {
	var lines strings.Builder
	for _, o := range req.Options {
		fmt.Fprintf(&lines, "%s | %s\n", o.Code, o.Label)
	}
	return fmt.Sprintf(suggestUserPrompt, req.ReferenceType, req.Field, req.Value, lines.String())
}

type suggestionJSON struct {
	Code       *string `json:"code"`
	Label      string  `json:"label"`
	Confidence string  `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ParseSuggestion decodes the model's reply. Missing fields default to a nil
// code, medium confidence and empty reasoning.
func ParseSuggestion(text string) (*Suggestion, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" || !strings.HasPrefix(cleaned, "{") {
		return nil, eris.Wrapf(ErrMalformedSuggestion, "no JSON object in %q", truncate(text, 120))
	}

	var raw suggestionJSON
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrapf(ErrMalformedSuggestion, "decode: %v", err)
	}
	return &Suggestion{
		Code:       raw.Code,
		Label:      raw.Label,
		Confidence: model.ParseConfidence(strings.ToLower(strings.TrimSpace(raw.Confidence))),
		Reasoning:  raw.Reasoning,
	}, nil
}

func retryable(err error) bool {
	if code := anthropic.StatusCode(err); code != 0 {
		return resilience.IsTransientHTTPStatus(code)
	}
	return resilience.IsTransient(err)
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or prose around it.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

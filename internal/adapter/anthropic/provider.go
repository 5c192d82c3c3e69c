// Package anthropic implements the llm.Provider port on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Strob0t/forgeflow/internal/port/llm"
	"github.com/Strob0t/forgeflow/internal/resilience"
)

const defaultMaxTokens = 4096

// Config configures one Anthropic-backed provider.
type Config struct {
	Name    string
	Model   string
	APIKey  string
	BaseURL string
}

// Provider wraps the Anthropic SDK client. Retries are disabled in the SDK
// because the router owns retry policy.
type Provider struct {
	name    string
	model   anthropic.Model
	inner   anthropic.Client
	breaker *resilience.Breaker
}

// New creates a provider. An empty API key is rejected.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider %q: api key is not set", cfg.Name)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}

	return &Provider{
		name:  name,
		model: model,
		inner: anthropic.NewClient(opts...),
	}, nil
}

// SetBreaker attaches a circuit breaker to every API call.
func (p *Provider) SetBreaker(b *resilience.Breaker) { p.breaker = b }

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Complete sends a single-turn message.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	var msg *anthropic.Message
	err := p.execute(func() error {
		var callErr error
		msg, callErr = p.inner.Messages.New(ctx, params)
		return p.translate(callErr)
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return &llm.Response{
		Text:     text.String(),
		Provider: p.name,
		Model:    string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// Ping lists a single model, which authenticates without spending tokens.
func (p *Provider) Ping(ctx context.Context) error {
	return p.execute(func() error {
		_, err := p.inner.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
		return p.translate(err)
	})
}

func (p *Provider) execute(fn func() error) error {
	if p.breaker != nil {
		return p.breaker.Execute(fn)
	}
	return fn()
}

// translate maps SDK API errors onto llm.StatusError so the router can
// classify them the same way as HTTP-based providers.
func (p *Provider) translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Provider: p.name, StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

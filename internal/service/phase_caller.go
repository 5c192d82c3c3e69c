package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/logger"
	"github.com/Strob0t/forgeflow/internal/port/llm"
	"github.com/Strob0t/forgeflow/internal/sanitize"
)

// PhaseRequest describes one pipeline phase call.
type PhaseRequest struct {
	Phase    llm.Phase
	Prompt   string
	Strategy task.RoutingStrategy
	// CacheTTL > 0 enables the response cache and de-duplication of
	// identical concurrent calls.
	CacheTTL    time.Duration
	Temperature float64
}

// PhaseResponse is the text answer of a phase with accounting data.
type PhaseResponse struct {
	Text      string    `json:"text"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Usage     llm.Usage `json:"usage"`
	Estimated bool      `json:"estimated,omitempty"`
	// Cached is set when the answer came from the response cache, Shared
	// when the provider request was de-duplicated with concurrent callers.
	Cached bool `json:"-"`
	Shared bool `json:"-"`
	Calls  int  `json:"-"`
}

// PhaseCaller runs phase prompts through the router with caching and one
// re-prompt on unparseable output.
type PhaseCaller struct {
	router    *Router
	cache     *ResponseCache
	maxTokens int
	group     singleflight.Group
}

// NewPhaseCaller creates a caller. cache may be nil.
func NewPhaseCaller(router *Router, cache *ResponseCache, maxTokens int) *PhaseCaller {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &PhaseCaller{router: router, cache: cache, maxTokens: maxTokens}
}

// Call runs req without output validation.
func (c *PhaseCaller) Call(ctx context.Context, req PhaseRequest) (*PhaseResponse, error) {
	return c.CallParsed(ctx, req, nil)
}

// CallParsed runs req and validates the answer with parse. A
// MalformedModelOutput from parse triggers one re-prompt with the cache
// bypassed; a second malformed answer is escalated to ProviderError. Only
// answers that parse are cached.
func (c *PhaseCaller) CallParsed(ctx context.Context, req PhaseRequest, parse func(string) error) (*PhaseResponse, error) {
	key := ""
	if req.CacheTTL > 0 && c.cache != nil {
		key = CacheKey(string(req.Phase), systemPrompts[req.Phase], req.Prompt)
		if raw, ok := c.cache.Get(ctx, key); ok {
			var resp PhaseResponse
			if err := json.Unmarshal(raw, &resp); err == nil && validate(parse, resp.Text) == nil {
				resp.Cached = true
				return &resp, nil
			}
		}
	}

	resp, err := c.invoke(ctx, req, key)
	if err != nil {
		return nil, err
	}

	perr := validate(parse, resp.Text)
	if perr == nil {
		c.store(ctx, key, req.CacheTTL, resp)
		return resp, nil
	}
	if !errors.Is(perr, fault.ErrMalformedModelOutput) {
		return nil, perr
	}

	logger.FromContext(ctx).Warn("malformed model output, re-prompting",
		"phase", req.Phase,
		"provider", resp.Provider,
		"raw", sanitize.Text(resp.Text, sanitize.DefaultMaxLength),
		"error", perr,
	)

	retry := req
	retry.Prompt += reprompt
	second, err := c.invoke(ctx, retry, "")
	if err != nil {
		return nil, err
	}
	second.Calls += resp.Calls
	second.Usage.InputTokens += resp.Usage.InputTokens
	second.Usage.OutputTokens += resp.Usage.OutputTokens

	if perr := validate(parse, second.Text); perr != nil {
		return second, &fault.Error{
			Kind:     fault.KindProviderError,
			Op:       string(req.Phase),
			Provider: second.Provider,
			Err:      perr,
		}
	}
	c.store(ctx, key, req.CacheTTL, second)
	return second, nil
}

func validate(parse func(string) error, text string) error {
	if parse == nil {
		return nil
	}
	return parse(text)
}

// invoke calls the router. With a non-empty key, identical concurrent
// calls share one provider request; a caller that is cancelled stops
// waiting without cancelling the shared request.
func (c *PhaseCaller) invoke(ctx context.Context, req PhaseRequest, key string) (*PhaseResponse, error) {
	if key == "" {
		return c.route(ctx, req)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.route(context.WithoutCancel(ctx), req)
	})
	select {
	case <-ctx.Done():
		return nil, fault.New(fault.KindCancelled, string(req.Phase), ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		resp := *r.Val.(*PhaseResponse)
		resp.Shared = r.Shared
		return &resp, nil
	}
}

func (c *PhaseCaller) route(ctx context.Context, req PhaseRequest) (*PhaseResponse, error) {
	res, err := c.router.Call(ctx, llm.Request{
		Phase:       req.Phase,
		System:      systemPrompts[req.Phase],
		Prompt:      req.Prompt,
		MaxTokens:   c.maxTokens,
		Temperature: req.Temperature,
	}, req.Strategy)
	if err != nil {
		return nil, err
	}
	return &PhaseResponse{
		Text:      res.Response.Text,
		Provider:  res.Response.Provider,
		Model:     res.Response.Model,
		Usage:     res.Response.Usage,
		Estimated: res.Response.Estimated,
		Calls:     len(res.Attempts),
	}, nil
}

func (c *PhaseCaller) store(ctx context.Context, key string, ttl time.Duration, resp *PhaseResponse) {
	if key == "" || c.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.cache.Put(ctx, key, data, ttl)
}

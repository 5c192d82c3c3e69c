// Package ollama implements the llm.Provider port against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/forgeflow/internal/port/llm"
	"github.com/Strob0t/forgeflow/internal/resilience"
	"github.com/Strob0t/forgeflow/internal/tokens"
)

const maxErrorBody = 4096

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int64   `json:"prompt_eval_count,omitempty"`
	EvalCount       int64   `json:"eval_count,omitempty"`
}

// Client calls Ollama's /api/chat endpoint with streaming disabled.
type Client struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a client for model served at baseURL.
func NewClient(name, baseURL, model string) *Client {
	if name == "" {
		name = "ollama"
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker.
func (c *Client) SetBreaker(b *resilience.Breaker) { c.breaker = b }

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Complete runs one non-streaming chat turn.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := chatRequest{
		Model:   c.model,
		Stream:  false,
		Options: options{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	start := time.Now()
	data, err := c.do(ctx, http.MethodPost, "/api/chat", payload)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal chat response: %w", err)
	}

	resp := &llm.Response{
		Text:     out.Message.Content,
		Provider: c.name,
		Model:    out.Model,
		Usage:    llm.Usage{InputTokens: out.PromptEvalCount, OutputTokens: out.EvalCount},
		Latency:  time.Since(start),
	}
	if resp.Model == "" {
		resp.Model = c.model
	}
	// Ollama omits counts when the prompt was served from its KV cache.
	if out.PromptEvalCount == 0 && out.EvalCount == 0 {
		resp.Usage = llm.Usage{
			InputTokens:  int64(tokens.Count(req.System) + tokens.Count(req.Prompt)),
			OutputTokens: int64(tokens.Count(resp.Text)),
		}
		resp.Estimated = true
	}
	return resp, nil
}

// Ping lists local models.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			return &llm.StatusError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(data)}
		}
		result = data
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

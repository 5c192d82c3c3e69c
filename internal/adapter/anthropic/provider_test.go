package anthropic_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/forgeflow/internal/adapter/anthropic"
	"github.com/Strob0t/forgeflow/internal/port/llm"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *anthropic.Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := anthropic.New(anthropic.Config{
		Name:    "claude",
		Model:   "claude-sonnet-4-5",
		APIKey:  "sk-ant-test",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := anthropic.New(anthropic.Config{Name: "claude"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestComplete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Api-Key") != "sk-ant-test" {
			t.Errorf("missing api key header")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["model"] != "claude-sonnet-4-5" {
			t.Errorf("unexpected model %v", body["model"])
		}
		if body["max_tokens"] != float64(256) {
			t.Errorf("unexpected max_tokens %v", body["max_tokens"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [{"type": "text", "text": "No changes needed."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 31, "output_tokens": 5}
		}`))
	})

	resp, err := p.Complete(context.Background(), llm.Request{
		Phase: llm.PhaseReview, System: "You review code.", Prompt: "review", MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "No changes needed." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Provider != "claude" || resp.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("unexpected provider/model %q/%q", resp.Provider, resp.Model)
	}
	if resp.Usage.InputTokens != 31 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestCompleteStatusError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	_, err := p.Complete(context.Background(), llm.Request{Prompt: "x"})
	var se *llm.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized || se.Provider != "claude" {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestPing(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[],"has_more":false,"first_id":null,"last_id":null}`))
	})

	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

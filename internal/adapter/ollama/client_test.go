package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/forgeflow/internal/adapter/ollama"
	"github.com/Strob0t/forgeflow/internal/port/llm"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
			Options struct {
				NumPredict int `json:"num_predict"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.Stream {
			t.Error("expected stream=false")
		}
		if body.Model != "qwen2.5-coder:7b" || body.Options.NumPredict != 512 {
			t.Errorf("unexpected request %+v", body)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("unexpected messages %+v", body.Messages)
		}
		_, _ = w.Write([]byte(`{"model":"qwen2.5-coder:7b","message":{"role":"assistant","content":"func Add(a, b int) int { return a + b }"},"done":true,"prompt_eval_count":20,"eval_count":12}`))
	}))
	defer srv.Close()

	c := ollama.NewClient("ollama", srv.URL, "qwen2.5-coder:7b")
	resp, err := c.Complete(context.Background(), llm.Request{System: "code only", Prompt: "write Add", MaxTokens: 512})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 12 || resp.Estimated {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if resp.Provider != "ollama" || resp.Text == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCompleteEstimatesWhenCountsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok then"},"done":true}`))
	}))
	defer srv.Close()

	resp, err := ollama.NewClient("", srv.URL, "m").Complete(context.Background(), llm.Request{Prompt: "hello there"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Estimated || resp.Usage.InputTokens == 0 {
		t.Fatalf("expected estimated usage, got %+v", resp.Usage)
	}
	if resp.Provider != "ollama" || resp.Model != "m" {
		t.Fatalf("unexpected defaults %q/%q", resp.Provider, resp.Model)
	}
}

func TestCompleteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'm' not found"}`))
	}))
	defer srv.Close()

	_, err := ollama.NewClient("ollama", srv.URL, "m").Complete(context.Background(), llm.Request{Prompt: "x"})
	var se *llm.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := ollama.NewClient("ollama", srv.URL, "m").Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

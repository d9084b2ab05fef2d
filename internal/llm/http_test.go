package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenRouter_Complete(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer server.Close()

	c := NewOpenRouter("key", server.URL, "m1", time.Second)
	resp, err := c.Complete(context.Background(), Request{System: "s", User: "u", Format: FormatJSON})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.PromptTokens != 10 || resp.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp)
	}
	if _, ok := gotBody["response_format"]; !ok {
		t.Error("expected response_format for JSON requests")
	}
}

func TestOpenRouter_NoAPIKey(t *testing.T) {
	c := NewOpenRouter("", "http://127.0.0.1:0", "", time.Second)
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOpenRouter_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewOpenRouter("key", server.URL, "", time.Second)
	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.RetryAfter != 7*time.Second {
		t.Errorf("expected retry-after 7s, got %+v", rle)
	}
}

func TestOpenRouter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewOpenRouter("key", server.URL, "", time.Second)
	_, err := c.Complete(context.Background(), Request{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
	if IsRateLimited(err) {
		t.Error("5xx must not be classified as rate limiting")
	}
}

func TestOpenRouter_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := NewOpenRouter("key", server.URL, "", time.Second)
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOllama_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["format"] != "json" {
			t.Errorf("expected format=json, got %v", body["format"])
		}
		if body["stream"] != false {
			t.Errorf("expected stream=false")
		}
		_, _ = w.Write([]byte(`{"model":"llama","message":{"role":"assistant","content":"hola"},"prompt_eval_count":3,"eval_count":1}`))
	}))
	defer server.Close()

	c := NewOllama(server.URL, "llama", time.Second)
	resp, err := c.Complete(context.Background(), Request{User: "hi", Format: FormatJSON})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hola" || resp.Model != "llama" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("3"); d != 3*time.Second {
		t.Errorf("got %s", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("got %s", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("got %s", d)
	}
}

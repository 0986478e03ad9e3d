package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest() ChatRequest {
	return ChatRequest{
		Model:          "anthropic/claude-3.5-haiku",
		Messages:       []Message{{Role: "user", Content: "compare sidekiq and good_job"}},
		MaxTokens:      1024,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
}

func TestComplete(t *testing.T) {
	var got ChatRequest
	var gotAuth, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","model":"anthropic/claude-3.5-haiku","choices":[{"message":{"role":"assistant","content":"{\"a\":1}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":120,"completion_tokens":45}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL+"/")
	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotTitle != "recon" {
		t.Errorf("X-Title = %q", gotTitle)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format not sent: %+v", got.ResponseFormat)
	}
	if resp.Text() != `{"a":1}` {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 45 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_RateLimitRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"gen-2","choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	c.backoff = time.Millisecond
	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestComplete_RateLimitExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	c.backoff = time.Millisecond
	_, err := c.Complete(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if !isRateLimit(err) {
		t.Errorf("error %v is not a rate limit error", err)
	}
	if n := attempts.Load(); n != maxRetries {
		t.Errorf("attempts = %d, want %d", n, maxRetries)
	}
}

func TestComplete_ServerErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), testRequest())
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway || se.Body != "upstream down" {
		t.Fatalf("err = %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestComplete_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	c.backoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Complete(ctx, testRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestChatResponse_TextEmpty(t *testing.T) {
	if got := (ChatResponse{}).Text(); got != "" {
		t.Errorf("Text() = %q", got)
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobarin/friendflix/internal/errs"
)

func TestOpenAIGenerate(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"title\":\"x\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer server.Close()

	svc := NewOpenAIServiceWithBaseURL("test-key", "", server.URL)
	content, err := svc.Generate(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != `{"title":"x"}` {
		t.Errorf("unexpected content %q", content)
	}
	if got.Model != "gpt-4o" || got.ResponseFormat.Type != "json_object" {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "user prompt" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"message":"nope","type":"error"}}`))
		}))

		_, err := NewOpenAIServiceWithBaseURL("k", "m", server.URL).Generate(context.Background(), "s", "u")
		server.Close()

		var ext *errs.ExternalServiceError
		if !errors.As(err, &ext) {
			t.Fatalf("status %d: expected ExternalServiceError, got %v", tt.status, err)
		}
		if ext.Service != "openai" || ext.Retryable != tt.retryable {
			t.Errorf("status %d: unexpected classification %+v", tt.status, ext)
		}
	}
}

package gcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBYOLLMClient_GenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"sync response"}}]}`)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("key", srv.URL, "model")

	result, err := client.GenerateContent(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "sync response" {
		t.Errorf("expected %q, got %q", "sync response", result)
	}
}

func TestBYOLLMClient_RequestBody(t *testing.T) {
	var receivedBody openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-api-key" {
			http.Error(w, "bad auth", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("test-api-key", srv.URL, "google/gemini-2.5-flash")

	if _, err := client.GenerateContent(context.Background(), "sys prompt", "user prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody.Model != "google/gemini-2.5-flash" {
		t.Errorf("expected model google/gemini-2.5-flash, got %s", receivedBody.Model)
	}
	if receivedBody.Stream {
		t.Error("expected stream=false for non-streaming call")
	}
	if len(receivedBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(receivedBody.Messages))
	}
	if receivedBody.Messages[0].Role != "system" || receivedBody.Messages[0].Content != "sys prompt" {
		t.Errorf("unexpected system message: %+v", receivedBody.Messages[0])
	}
	if receivedBody.Messages[1].Role != "user" || receivedBody.Messages[1].Content != "user prompt" {
		t.Errorf("unexpected user message: %+v", receivedBody.Messages[1])
	}
}

func TestBYOLLMClient_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("bad-key", srv.URL, "model")

	_, err := client.GenerateContent(context.Background(), "system", "user")
	if err == nil || !strings.Contains(err.Error(), "auth failed") {
		t.Fatalf("expected auth error, got: %v", err)
	}
}

func TestBYOLLMClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("key", srv.URL, "model")

	_, err := client.GenerateContent(context.Background(), "system", "user")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected rate limit error, got: %v", err)
	}
}

func TestBYOLLMClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("key", srv.URL, "model")

	_, err := client.GenerateContent(context.Background(), "system", "user")
	if err == nil || !strings.Contains(err.Error(), "server error") {
		t.Fatalf("expected server error, got: %v", err)
	}
}

func TestBYOLLMClient_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("key", srv.URL, "model")

	_, err := client.GenerateContent(context.Background(), "system", "user")
	if err == nil || !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("expected empty response error, got: %v", err)
	}
}

func TestBYOLLMClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":{"message":"context length exceeded"}}`)
	}))
	defer srv.Close()

	client := NewBYOLLMClient("key", srv.URL, "model")

	_, err := client.GenerateContent(context.Background(), "system", "user")
	if err == nil || !strings.Contains(err.Error(), "context length exceeded") {
		t.Fatalf("expected API error, got: %v", err)
	}
}

func TestBYOLLMClient_DefaultBaseURL(t *testing.T) {
	client := NewBYOLLMClient("key", "", "model")
	if client.baseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("expected default OpenRouter base URL, got %s", client.baseURL)
	}
}

func TestBYOLLMClient_TrimsTrailingSlash(t *testing.T) {
	client := NewBYOLLMClient("key", "https://example.com/v1/", "model")
	if client.baseURL != "https://example.com/v1" {
		t.Errorf("expected trailing slash trimmed, got %s", client.baseURL)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type capturedRequest struct {
	Model          string  `json:"model"`
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, content string, choices bool, got *capturedRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   got.Model,
			"choices": []any{},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		if choices {
			resp["choices"] = []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, `{"totalScore": 4}`, true, &got)
	c := New(srv.URL+"/v1", "test-key", "test-model")

	raw, err := c.Complete(context.Background(), "mark this", Options{Temperature: 0.2, MaxTokens: 500, JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if raw != `{"totalScore": 4}` {
		t.Errorf("unexpected completion %q", raw)
	}
	if got.Model != "test-model" {
		t.Errorf("model = %q, want test-model", got.Model)
	}
	if got.MaxTokens != 500 {
		t.Errorf("max_tokens = %d, want 500", got.MaxTokens)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("expected json_object response format, got %+v", got.ResponseFormat)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "mark this" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestCompleteWithoutJSONFormat(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, "plain", true, &got)
	c := New(srv.URL+"/v1", "test-key", "test-model")

	if _, err := c.Complete(context.Background(), "hi", Options{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.ResponseFormat != nil {
		t.Errorf("expected no response format, got %+v", got.ResponseFormat)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, "", false, &got)
	c := New(srv.URL+"/v1", "test-key", "test-model")

	_, err := c.Complete(context.Background(), "hi", Options{JSON: true})
	if !errors.Is(err, ErrNoChoices) {
		t.Errorf("expected ErrNoChoices, got %v", err)
	}
}

func TestCompleteProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL+"/v1", "test-key", "test-model")

	if _, err := c.Complete(context.Background(), "hi", Options{}); err == nil {
		t.Error("expected an error from a failing provider")
	}
}

func TestPing(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, "", true, &got)
	c := New(srv.URL+"/v1", "test-key", "test-model")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

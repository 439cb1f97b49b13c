package summary

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestNewAnthropic_RequiresKey(t *testing.T) {
	if _, err := NewAnthropic("", ""); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompt = string(body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_test",
			"type":  "message",
			"role":  "assistant",
			"model": DefaultModel,
			"content": []map[string]any{
				{"type": "text", "text": "  Removed the search_v2 flag and kept the new search path.  "},
			},
		})
	}))
	defer server.Close()

	s, err := NewAnthropic("test-key", "", option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}
	got, err := s.Summarize(context.Background(), "search_v2", []string{"search.py", "feature_flags.yaml"})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got != "Removed the search_v2 flag and kept the new search path." {
		t.Errorf("Summarize() = %q", got)
	}
	if !strings.Contains(prompt, "search_v2") || !strings.Contains(prompt, "search.py") {
		t.Errorf("prompt missing flag or files: %s", prompt)
	}
}

func TestSummarize_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	s, err := NewAnthropic("test-key", "", option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}
	if _, err := s.Summarize(context.Background(), "x", nil); err == nil {
		t.Error("expected error from API failure")
	}
}

// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role string `json:"role"`
	} `json:"messages"`
	Temperature *float64 `json:"temperature"`
}

func newServer(t *testing.T, status int, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const messageBody = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-20250514",
  "content": [{"type": "text", "text": "Three concepts"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 12, "output_tokens": 3}
}`

func TestNewProvider(t *testing.T) {
	p := New(WithAPIKey("k"))
	if p.Model() != DefaultModel {
		t.Errorf("expected model %s, got %s", DefaultModel, p.Model())
	}
	if p.maxTokens != llm.DefaultMaxTokens {
		t.Errorf("expected maxTokens %d, got %d", llm.DefaultMaxTokens, p.maxTokens)
	}
	if p.Name() != Name {
		t.Errorf("expected name %s", Name)
	}
}

func TestWithOptions(t *testing.T) {
	p := New(WithAPIKey("k"), WithModel("claude-3-opus-20240229"), WithMaxTokens(2048))
	if p.Model() != "claude-3-opus-20240229" {
		t.Errorf("unexpected model %s", p.Model())
	}
	if p.maxTokens != 2048 {
		t.Errorf("expected maxTokens 2048, got %d", p.maxTokens)
	}
}

func TestGenerate(t *testing.T) {
	var captured capturedRequest
	srv := newServer(t, http.StatusOK, messageBody, &captured)
	p := New(WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))

	out, err := p.Generate(context.Background(), p.FormatMessages("be kind", "tell a story"), llm.GenerateOptions{Temperature: 0.3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Three concepts" {
		t.Errorf("unexpected output %q", out)
	}
	if len(captured.System) != 1 || captured.System[0].Text != "be kind" {
		t.Errorf("expected system prompt in system field, got %+v", captured.System)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("expected one user message, got %+v", captured.Messages)
	}
	if captured.MaxTokens != llm.DefaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", captured.MaxTokens)
	}
	if captured.Temperature == nil || *captured.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", captured.Temperature)
	}
}

func TestGenerateErrors(t *testing.T) {
	body := `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`
	srv := newServer(t, 529, body, nil)
	p := New(WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))

	_, err := p.Generate(context.Background(), p.FormatMessages("", "hi"), llm.GenerateOptions{})
	fe := errors.AsFabulaError(err)
	if fe == nil || fe.Code != errors.CodeProviderError {
		t.Fatalf("expected provider error, got %v", err)
	}
	if fe.StatusCode != 529 || !fe.Recoverable {
		t.Errorf("expected recoverable 529, got %d recoverable=%v", fe.StatusCode, fe.Recoverable)
	}
}

func TestGenerateEmptyContent(t *testing.T) {
	body := `{"id": "msg_1", "type": "message", "role": "assistant", "model": "m", "content": [], "usage": {"input_tokens": 1, "output_tokens": 0}}`
	srv := newServer(t, http.StatusOK, body, nil)
	p := New(WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))

	if _, err := p.Generate(context.Background(), p.FormatMessages("", "hi"), llm.GenerateOptions{}); !errors.IsCode(err, errors.CodeProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestGenerateKeepsExplicitZeroTemperature(t *testing.T) {
	var captured capturedRequest
	srv := newServer(t, http.StatusOK, messageBody, &captured)
	p := New(WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))

	opts := llm.GenerateOptions{}.WithTemperature(0)
	if _, err := p.Generate(context.Background(), p.FormatMessages("be kind", "tell a story"), opts); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if captured.Temperature == nil || *captured.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", captured.Temperature)
	}
}

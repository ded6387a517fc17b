// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package gemini

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

func TestConvertMessages(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful"},
		{Role: llm.RoleUser, Content: "Hello"},
		{Role: llm.RoleAssistant, Content: "Hi there"},
	}

	contents, systemInstruction := convertMessages(messages)

	if systemInstruction != "You are helpful" {
		t.Errorf("expected system instruction 'You are helpful', got %s", systemInstruction)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("unexpected roles %s %s", contents[0].Role, contents[1].Role)
	}
}

func newServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate(t *testing.T) {
	body := `{"candidates": [{"content": {"role": "model", "parts": [{"text": "A dragon "}, {"text": "who sings"}]}, "finishReason": "STOP"}]}`
	var captured map[string]any
	srv := newServer(t, http.StatusOK, body, &captured)

	p, err := New(context.Background(), WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	out, err := p.Generate(context.Background(), p.FormatMessages("sys", "usr"), llm.GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "A dragon who sings" {
		t.Errorf("unexpected output %q", out)
	}
	if _, ok := captured["systemInstruction"]; !ok {
		t.Errorf("expected a system instruction in the request, got %v", captured)
	}
}

func TestGenerateError(t *testing.T) {
	body := `{"error": {"code": 503, "message": "model overloaded", "status": "UNAVAILABLE"}}`
	srv := newServer(t, http.StatusServiceUnavailable, body, nil)

	p, err := New(context.Background(), WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.Generate(context.Background(), p.FormatMessages("", "usr"), llm.GenerateOptions{})
	fe := errors.AsFabulaError(err)
	if fe == nil || fe.Code != errors.CodeProviderError {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !fe.Recoverable {
		t.Errorf("expected 503 to be recoverable")
	}
}

func TestGenerateEmptyCandidates(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"candidates": []}`, nil)
	p, err := New(context.Background(), WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := p.Generate(context.Background(), p.FormatMessages("", "usr"), llm.GenerateOptions{}); !errors.IsCode(err, errors.CodeProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestGenerateKeepsExplicitZeroTemperature(t *testing.T) {
	body := `{"candidates": [{"content": {"role": "model", "parts": [{"text": "ok"}]}, "finishReason": "STOP"}]}`
	var captured map[string]any
	srv := newServer(t, http.StatusOK, body, &captured)

	p, err := New(context.Background(), WithAPIKey("test-key"), WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	opts := llm.GenerateOptions{}.WithTemperature(0)
	if _, err := p.Generate(context.Background(), p.FormatMessages("", "usr"), opts); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, ok := findKey(captured, "temperature")
	if !ok || got != float64(0) {
		t.Errorf("expected temperature 0 in %v, got %v", captured, got)
	}
}

// findKey looks up key at any depth of a decoded JSON object.
func findKey(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for _, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			if found, ok := findKey(nested, key); ok {
				return found, true
			}
		}
	}
	return nil, false
}

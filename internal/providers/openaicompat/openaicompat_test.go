package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/runestonehq/runestone/internal/providers"
)

func newTestDriver(srv *httptest.Server) *Driver {
	return New("xai", providers.Config{APIKey: "mock-api-key", BaseURL: srv.URL})
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "grok-3",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestDriver_Complete_Success(t *testing.T) {
	responseBody := chatResponse{
		ID:    "cmpl-xai-123",
		Model: "grok-3",
		Choices: []choice{
			{Message: &chatMessage{Role: "assistant", Content: "Hi there!"}, FinishReason: "stop"},
		},
		Usage: &usage{PromptTokens: 8, CompletionTokens: 4},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("User-Agent = %q, want %q", got, userAgent)
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Model != "grok-3" {
			t.Errorf("expected model 'grok-3', got %q", body.Model)
		}
		if body.Stream {
			t.Error("stream should be false for Complete")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	resp, err := d.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "cmpl-xai-123" {
		t.Errorf("expected ID 'cmpl-xai-123', got %q", resp.ID)
	}
	if resp.Content != "Hi there!" {
		t.Errorf("expected content 'Hi there!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestDriver_Complete_APIKeyOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tenant-key" {
			t.Errorf("expected tenant key, got %q", got)
		}
		json.NewEncoder(w).Encode(chatResponse{ID: "x"})
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	req := baseRequest()
	req.APIKey = "tenant-key"
	if _, err := d.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDriver_Complete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	_, err := d.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	de, ok := err.(*providers.DriverError)
	if !ok {
		t.Fatalf("expected *DriverError, got %T", err)
	}
	if de.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", de.Status)
	}
	if de.Class != providers.ClassRateLimited {
		t.Errorf("expected class rate_limit, got %s", de.Class)
	}
	if !strings.Contains(de.Message, "slow down") {
		t.Errorf("expected upstream message, got %q", de.Message)
	}
}

func TestDriver_StreamChat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("expected Accept text/event-stream, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"grok-3\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	req := baseRequest()
	req.Stream = true

	var events []providers.Event
	err := d.StreamChat(context.Background(), req, func(ev providers.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text strings.Builder
	var finish string
	terminals := 0
	for _, ev := range events {
		switch ev.Type {
		case providers.EventDelta:
			text.WriteString(ev.Delta)
			if ev.FinishReason != "" {
				finish = ev.FinishReason
			}
		case providers.EventDone, providers.EventError:
			terminals++
		}
	}
	if text.String() != "Hello" {
		t.Errorf("expected assembled text 'Hello', got %q", text.String())
	}
	if finish != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", finish)
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if events[0].Type != providers.EventMetadata || events[0].ID != "s1" {
		t.Errorf("expected first event to be metadata with id s1, got %+v", events[0])
	}
	if events[len(events)-1].Type != providers.EventDone {
		t.Errorf("expected last event to be done, got %+v", events[len(events)-1])
	}
}

func TestDriver_StreamChat_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"s2\",\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"upstream exploded\"}}\n\n")
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	req := baseRequest()
	req.Stream = true

	var events []providers.Event
	err := d.StreamChat(context.Background(), req, func(ev providers.Event) {
		events = append(events, ev)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	last := events[len(events)-1]
	if last.Type != providers.EventError {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	if !strings.Contains(last.Err.Error(), "upstream exploded") {
		t.Errorf("expected upstream message in error, got %v", last.Err)
	}
}

func TestDriver_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected path /embeddings, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(embeddingResponse{
			Model: "embed-1",
			Data:  []embeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
			Usage: &usage{PromptTokens: 3},
		})
	}))
	defer srv.Close()

	d := newTestDriver(srv)
	resp, err := d.Embed(context.Background(), &providers.EmbeddingRequest{
		Model: "embed-1",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Fatalf("unexpected data: %+v", resp.Data)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("expected 3 input tokens, got %d", resp.Usage.InputTokens)
	}
}

func TestDriver_ValidateConfig(t *testing.T) {
	d := New("xai", providers.Config{APIKey: "k"})
	if err := d.ValidateConfig(providers.Config{APIKey: "k"}); err != nil {
		t.Fatalf("known vendor without base url should validate: %v", err)
	}
	if err := d.ValidateConfig(providers.Config{}); err == nil {
		t.Fatal("missing api key should fail validation")
	}
	unknown := New("acme", providers.Config{APIKey: "k"})
	if err := unknown.ValidateConfig(providers.Config{APIKey: "k"}); err == nil {
		t.Fatal("unknown vendor without base url should fail validation")
	}
}

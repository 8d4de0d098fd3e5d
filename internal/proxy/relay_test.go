package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/runestonehq/runestone/internal/providers"
)

// serveSSE starts a fasthttp server on an in-memory listener whose only
// handler runs the given relay session. Returns the collected SSE data lines
// and the session outcome.
func serveSSE(t *testing.T, relay Relay, produce func(*Sink), release func()) ([]string, Outcome) {
	t.Helper()

	outcomeCh := make(chan Outcome, 1)
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			relay.Serve(ctx, "test-req", produce, release, func(out Outcome) {
				outcomeCh <- out
			})
		})
	}()
	defer ln.Close()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	resp, err := client.Get("http://test/v1/chat/completions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}

	select {
	case out := <-outcomeCh:
		return lines, out
	case <-time.After(5 * time.Second):
		t.Fatal("onDone was never called")
		return nil, Outcome{}
	}
}

func TestRelay_DeltasThenDone(t *testing.T) {
	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventMetadata, ID: "chatcmpl-up", Model: "gpt-4o"})
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "hello "})
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "world", FinishReason: "stop"})
		sink.Send(providers.Event{Type: providers.EventDone})
	}

	lines, out := serveSSE(t, Relay{}, produce, nil)

	if len(lines) != 3 {
		t.Fatalf("expected 2 chunks + [DONE], got %d lines: %v", len(lines), lines)
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Errorf("last line = %q, want [DONE]", lines[len(lines)-1])
	}

	var first chunkFrame
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("chunk not valid JSON: %v", err)
	}
	if first.ID != "chatcmpl-up" || first.Model != "gpt-4o" {
		t.Errorf("metadata not applied: id=%s model=%s", first.ID, first.Model)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("object = %s, want chat.completion.chunk", first.Object)
	}
	if len(first.Choices) != 1 || first.Choices[0].Delta.Role != "assistant" {
		t.Error("first chunk must carry the assistant role")
	}

	var second chunkFrame
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Choices[0].Delta.Role != "" {
		t.Error("role must only appear on the first chunk")
	}
	if second.Choices[0].FinishReason == nil || *second.Choices[0].FinishReason != "stop" {
		t.Error("finish_reason missing on final chunk")
	}

	if out.Termination != "done" {
		t.Errorf("termination = %s, want done", out.Termination)
	}
	if out.Frames != 2 || out.OutputChars != len("hello world") {
		t.Errorf("outcome = %+v, want 2 frames / 11 chars", out)
	}
}

func TestRelay_DefaultStreamID(t *testing.T) {
	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "x"})
		sink.Send(providers.Event{Type: providers.EventDone})
	}

	lines, _ := serveSSE(t, Relay{}, produce, nil)

	var chunk chunkFrame
	if err := json.Unmarshal([]byte(lines[0]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.ID != "chatcmpl-test-req" {
		t.Errorf("id = %s, want chatcmpl-<request id> when upstream sends none", chunk.ID)
	}
}

func TestRelay_ErrorFrameIsTerminal(t *testing.T) {
	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "partial"})
		sink.Send(providers.Event{Type: providers.EventError, Err: errors.New("upstream died")})
	}

	lines, out := serveSSE(t, Relay{}, produce, nil)

	if len(lines) != 2 {
		t.Fatalf("expected delta + error frame, got %v", lines)
	}
	last := lines[len(lines)-1]
	if last == "[DONE]" {
		t.Fatal("error streams must not end with [DONE]")
	}
	var frame errorFrame
	if err := json.Unmarshal([]byte(last), &frame); err != nil {
		t.Fatalf("error frame not valid JSON: %v", err)
	}
	if !strings.Contains(frame.Error.Message, "upstream died") {
		t.Errorf("error message = %q, want upstream cause", frame.Error.Message)
	}
	if out.Termination != "error" {
		t.Errorf("termination = %s, want error", out.Termination)
	}
}

func TestRelay_ProducerExitWithoutTerminal(t *testing.T) {
	// A producer that forgets its terminal event must not hang the client.
	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "oops"})
	}

	lines, out := serveSSE(t, Relay{}, produce, nil)

	if lines[len(lines)-1] != "[DONE]" {
		t.Errorf("stream must be closed with [DONE], got %v", lines)
	}
	if out.Termination != "done" {
		t.Errorf("termination = %s, want done", out.Termination)
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "one"})
		<-sink.Context().Done() // then stall until the relay gives up
	}

	lines, out := serveSSE(t, Relay{IdleTimeout: 50 * time.Millisecond}, produce, nil)

	if out.Termination != "idle_timeout" {
		t.Fatalf("termination = %s, want idle_timeout", out.Termination)
	}
	var frame errorFrame
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &frame); err != nil {
		t.Fatalf("terminal frame not an error: %v", err)
	}
	if !strings.Contains(frame.Error.Message, "idle") {
		t.Errorf("error message = %q, want idle notice", frame.Error.Message)
	}
}

func TestRelay_SessionDeadline(t *testing.T) {
	produce := func(sink *Sink) {
		for i := 0; ; i++ {
			if !sink.Send(providers.Event{Type: providers.EventDelta, Delta: "tick"}) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	_, out := serveSSE(t, Relay{Deadline: 100 * time.Millisecond}, produce, nil)

	if out.Termination != "deadline" {
		t.Fatalf("termination = %s, want deadline", out.Termination)
	}
}

func TestRelay_ReleaseCalledExactlyOnce(t *testing.T) {
	calls := 0
	release := func() { calls++ }

	produce := func(sink *Sink) {
		sink.Send(providers.Event{Type: providers.EventDelta, Delta: "hi"})
		sink.Send(providers.Event{Type: providers.EventDone})
	}

	serveSSE(t, Relay{}, produce, release)

	if calls != 1 {
		t.Errorf("release calls = %d, want 1", calls)
	}
}

func TestSink_EmittedTracksDeltas(t *testing.T) {
	sink := &Sink{ctx: context.Background(), ch: make(chan providers.Event, 4)}

	if sink.Emitted() {
		t.Fatal("fresh sink must report no emitted content")
	}
	sink.Send(providers.Event{Type: providers.EventMetadata, ID: "x"})
	if sink.Emitted() {
		t.Error("metadata must not count as emitted content")
	}
	sink.Send(providers.Event{Type: providers.EventDelta, Delta: ""})
	if sink.Emitted() {
		t.Error("empty delta must not count as emitted content")
	}
	sink.Send(providers.Event{Type: providers.EventDelta, Delta: "text"})
	if !sink.Emitted() {
		t.Error("content delta must flip Emitted")
	}
}

func TestSink_SendFailsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &Sink{ctx: ctx, ch: make(chan providers.Event)} // unbuffered, no reader
	cancel()

	if sink.Send(providers.Event{Type: providers.EventDelta, Delta: "late"}) {
		t.Error("Send must fail once the session is gone")
	}
}

package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/pkg/apierr"
)

// relayBuffer bounds the upstream event channel. A slow client applies
// backpressure to the upstream reader instead of buffering the whole
// completion in memory.
const relayBuffer = 64

// Relay copies a driver event stream to the client as OpenAI-framed SSE.
//
// Contract: exactly one terminal frame per stream — either `data: [DONE]`
// after normal completion or a single `data: {"error": …}` frame — and the
// concurrency slot is released exactly once, whatever path the stream dies
// on.
type Relay struct {
	// IdleTimeout kills a stream with no upstream events.
	// Default providers.StreamIdleTimeout (30s).
	IdleTimeout time.Duration
	// Deadline caps total session duration.
	// Default providers.StreamDeadline (5m).
	Deadline time.Duration
}

// Sink is the producer side of a relay session. Drivers push events through
// Send from their own goroutine; Emitted tells the failover layer whether
// the client has already seen content (after which retries are forbidden).
type Sink struct {
	ctx     context.Context
	ch      chan providers.Event
	emitted atomic.Bool
}

// Send forwards one event to the client writer. Returns false when the
// session is gone and the producer should stop.
func (s *Sink) Send(ev providers.Event) bool {
	select {
	case s.ch <- ev:
		if ev.Type == providers.EventDelta && ev.Delta != "" {
			s.emitted.Store(true)
		}
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Emitted reports whether at least one content delta reached the writer.
func (s *Sink) Emitted() bool { return s.emitted.Load() }

// Context returns the session context; producers should pass it upstream so
// client disconnects cancel the provider call.
func (s *Sink) Context() context.Context { return s.ctx }

// Outcome summarizes a finished relay session for logging and metrics.
type Outcome struct {
	Frames      int
	OutputChars int
	Termination string // done | error | idle_timeout | deadline | disconnect
	Elapsed     time.Duration
}

// Serve writes the SSE response. produce runs in its own goroutine and must
// return after its final terminal event (the failover layer guarantees
// exactly one). release and onDone may be nil.
func (r *Relay) Serve(
	ctx *fasthttp.RequestCtx,
	requestID string,
	produce func(*Sink),
	release func(),
	onDone func(Outcome),
) {
	idle := r.IdleTimeout
	if idle <= 0 {
		idle = providers.StreamIdleTimeout
	}
	deadline := r.Deadline
	if deadline <= 0 {
		deadline = providers.StreamDeadline
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // writer must never panic the server

		start := time.Now()
		sessCtx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		if release != nil {
			defer release()
		}

		sink := &Sink{ctx: sessCtx, ch: make(chan providers.Event, relayBuffer)}
		go func() {
			produce(sink)
			close(sink.ch)
		}()

		var (
			out         Outcome
			streamID    = "chatcmpl-" + requestID
			model       string
			terminal    bool
			firstChunk  = true
			idleTimer   = time.NewTimer(idle)
			sessionDead = sessCtx.Done()
		)
		defer idleTimer.Stop()
		defer func() {
			out.Elapsed = time.Since(start)
			if onDone != nil {
				onDone(out)
			}
		}()

	loop:
		for {
			select {
			case ev, ok := <-sink.ch:
				if !ok {
					// Producer ended without a terminal event; close the
					// stream cleanly rather than hang the client.
					if !terminal {
						writeDoneFrame(w)
						out.Termination = "done"
					}
					break loop
				}
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(idle)

				switch ev.Type {
				case providers.EventMetadata:
					if ev.ID != "" {
						streamID = ev.ID
					}
					if ev.Model != "" {
						model = ev.Model
					}

				case providers.EventDelta:
					frame := buildChunkFrame(streamID, model, ev, firstChunk)
					firstChunk = false
					if err := writeFrame(w, frame); err != nil {
						// Client disconnected mid-stream.
						out.Termination = "disconnect"
						cancel()
						break loop
					}
					out.Frames++
					out.OutputChars += len(ev.Delta)

				case providers.EventDone:
					if !terminal {
						writeDoneFrame(w)
						terminal = true
						out.Termination = "done"
					}
					break loop

				case providers.EventError:
					if !terminal {
						writeErrorFrame(w, ev.Err)
						terminal = true
						out.Termination = "error"
					}
					break loop
				}

			case <-idleTimer.C:
				if !terminal {
					writeErrorFrame(w, fmt.Errorf("stream idle for %s, closing", idle))
					terminal = true
					out.Termination = "idle_timeout"
				}
				cancel()
				break loop

			case <-sessionDead:
				if !terminal {
					writeErrorFrame(w, fmt.Errorf("stream exceeded session deadline of %s", deadline))
					terminal = true
					out.Termination = "deadline"
				}
				break loop
			}
		}

		// Drain the producer so it observes cancellation and returns.
		cancel()
		for range sink.ch {
		}
	})
}

type (
	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	chunkFrame struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
	errorFrame struct {
		Error apierr.APIError `json:"error"`
	}
)

func buildChunkFrame(id, model string, ev providers.Event, first bool) []byte {
	choice := chunkChoice{Delta: chunkDelta{Content: ev.Delta}}
	if first {
		choice.Delta.Role = "assistant"
	}
	if ev.FinishReason != "" {
		fr := ev.FinishReason
		choice.FinishReason = &fr
	}
	data, _ := json.Marshal(chunkFrame{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{choice},
	})
	return data
}

func writeFrame(w *bufio.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeDoneFrame(w *bufio.Writer) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush() //nolint:errcheck
}

func writeErrorFrame(w *bufio.Writer, err error) {
	msg := "stream failed"
	if err != nil {
		msg = err.Error()
	}
	data, _ := json.Marshal(errorFrame{Error: apierr.APIError{
		Message: msg,
		Type:    apierr.TypeProviderError,
		Code:    apierr.CodeProviderError,
	}})
	writeFrame(w, data) //nolint:errcheck
}

// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target provider under the configured routing policy, and forwards it —
// retrying transient failures on the same provider and failing over to the
// next healthy candidate when attempts are exhausted.
//
// Key design constraints:
//   - No blocking I/O on the hot path; the request logger is async.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses relay through a bounded channel; once the client
//     has seen a content delta, retry and failover are forbidden.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/auth"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/pkg/apierr"
)

// defaultGroup is the failover group every chat request walks unless the
// client pinned a provider.
const defaultGroup = "chat"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-attempt upstream timeout.
	// Default: providers.ProviderTimeout (120s).
	ProviderTimeout time.Duration

	// Retry governs same-provider retries. Zero value uses
	// DefaultRetryPolicy.
	Retry RetryPolicy

	// RetryAttemptsByProvider overrides Retry.MaxAttempts for individual
	// providers ({PROVIDER}_RETRY_ATTEMPTS). Zero entries fall back to the
	// global policy.
	RetryAttemptsByProvider map[string]int

	// Relay tunes the SSE relay (idle timeout, session deadline).
	Relay Relay

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	drivers        map[string]providers.Driver
	router         *Router
	cb             *CircuitBreaker
	manager        *Manager
	retry          RetryPolicy
	retryOverrides map[string]int
	relay          Relay
	baseCtx        context.Context
	log            *slog.Logger
	metrics        *metrics.Registry

	providerTimeout time.Duration

	// Optional dependencies, nil-safe when not configured.
	reqLogger *logger.Logger
	health    *HealthChecker
}

// NewGateway creates a Gateway. cb and manager must be the same instances the
// rest of the process observes; the manager reads breaker state during
// candidate selection.
func NewGateway(
	baseCtx context.Context,
	drivers map[string]providers.Driver,
	router *Router,
	cb *CircuitBreaker,
	manager *Manager,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	g := &Gateway{
		drivers:         drivers,
		router:          router,
		cb:              cb,
		manager:         manager,
		retry:           retry,
		retryOverrides:  opts.RetryAttemptsByProvider,
		relay:           opts.Relay,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: timeout,
	}

	if g.metrics != nil && g.cb != nil {
		g.cb.OnTransition(func(provider, from, to string) {
			g.metrics.RecordCircuitBreakerTransition(provider, to)
			g.metrics.SetCircuitBreaker(provider, int64(g.cb.State(provider)))
			g.log.Warn("circuit_breaker_transition",
				slog.String("provider", provider),
				slog.String("from", from),
				slog.String("to", to),
			)
		})
		for name := range drivers {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}

	if len(drivers) > 0 {
		g.health = NewHealthChecker(baseCtx, drivers, manager, g.metrics, log)
	}

	return g
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) { g.reqLogger = l }

// retryFor returns the retry policy for provider, applying any per-provider
// MaxAttempts override.
func (g *Gateway) retryFor(provider string) RetryPolicy {
	p := g.retry
	if n, ok := g.retryOverrides[provider]; ok && n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// Health returns the background health checker (nil when no drivers).
func (g *Gateway) Health() *HealthChecker { return g.health }

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Prompt      json.RawMessage  `json:"prompt"` // legacy /v1/completions
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        []string         `json:"stop"`
		User        string           `json:"user"`

		// Routing extensions, ignored by upstream providers.
		Provider        string   `json:"provider"`
		ModelFamily     string   `json:"model_family"`
		Capabilities    []string `json:"capabilities"`
		MaxCostPerToken float64  `json:"max_cost_per_token"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int              `json:"index"`
		Message      *outboundMessage `json:"message,omitempty"`
		Text         string           `json:"text,omitempty"`
		FinishReason string           `json:"finish_reason"`
	}

	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Provider string           `json:"provider,omitempty"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
	}
)

// parsePrompt normalises the legacy "prompt" field (string or array of
// strings) into conversation messages.
func parsePrompt(raw json.RawMessage) ([]providers.Message, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []providers.Message{{Role: "user", Content: s}}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		msgs := make([]providers.Message, len(arr))
		for i, p := range arr {
			msgs[i] = providers.Message{Role: "user", Content: p}
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("'prompt' must be a string or array of strings")
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	legacy := string(ctx.Path()) == "/v1/completions"
	if legacy {
		route = "completions"
	}
	servedProvider := "unknown"
	inputTokens, outputTokens := 0, 0
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the relay's onDone
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.AddTokens(servedProvider, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	keyRec, _ := ctx.UserValue("api_key").(*auth.APIKey)

	// 1. Parse request body.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}
	if in.Model == "" && in.Provider == "" && g.router.Policy() != PolicyCost {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeBadRequest, apierr.Param("model"))
		return
	}

	msgs := make([]providers.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	if legacy && len(msgs) == 0 && len(in.Prompt) > 0 {
		var err error
		if msgs, err = parsePrompt(in.Prompt); err != nil {
			apierr.WriteParam(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeBadRequest, apierr.Param("prompt"))
			return
		}
	}
	if len(msgs) == 0 {
		apierr.WriteParam(ctx, fasthttp.StatusUnprocessableEntity,
			"'messages' must contain at least one message",
			apierr.TypeInvalidRequest, apierr.CodeBadRequest, apierr.Param("messages"))
		return
	}

	req := &providers.Request{
		Model:           in.Model,
		Messages:        msgs,
		Stream:          in.Stream,
		Temperature:     in.Temperature,
		TopP:            in.TopP,
		MaxTokens:       in.MaxTokens,
		Stop:            in.Stop,
		User:            in.User,
		Provider:        in.Provider,
		ModelFamily:     in.ModelFamily,
		MaxCostPerToken: in.MaxCostPerToken,
		RequestID:       reqID,
	}
	for _, c := range in.Capabilities {
		req.Capabilities = append(req.Capabilities, providers.Capability(c))
	}
	if keyRec != nil {
		req.TenantID = keyRec.Key
	}

	// 2. Provider pin authorization, then policy routing.
	if req.Provider != "" && keyRec != nil && !keyRec.AllowsProvider(req.Provider) {
		apierr.WriteForbidden(ctx,
			fmt.Sprintf("API key is not allowed to use provider %q", req.Provider))
		return
	}
	sel, err := g.router.Resolve(req)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}

	pinned := req.Provider != ""
	candidates := g.candidatesFor(sel, pinned)
	servedProvider = sel.Provider

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", sel.Model),
		slog.String("provider", sel.Provider),
		slog.Bool("stream", req.Stream),
		slog.Int("candidates", len(candidates)),
	)

	// 3a. Streaming: hand the candidate walk to the SSE relay.
	if req.Stream {
		streaming = true
		g.serveStream(ctx, reqID, route, req, sel, candidates, keyRec, start)
		return
	}

	// 3b. Non-streaming: walk candidates with retries, render the envelope.
	resp, used, err := g.completeWithFailover(ctx, req, sel, candidates, route, keyRec)
	if err != nil {
		g.log.Error("provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", sel.Provider),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.logRequest(reqID, keyRec, used, sel.Model, route,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	servedProvider = used
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	out := outboundResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    resp.Model,
		Provider: used,
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	if legacy {
		out.Object = "text_completion"
		out.Choices = []outboundChoice{{Text: resp.Content, FinishReason: finish}}
	} else {
		out.Choices = []outboundChoice{{
			Message:      &outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: finish,
		}}
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + reqID
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.logRequest(reqID, keyRec, used, resp.Model, route,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// candidatesFor builds the ordered provider walk for one request. A pinned
// provider never fails over; otherwise the selection goes first, followed by
// the failover group's healthy members.
func (g *Gateway) candidatesFor(sel Selection, pinned bool) []string {
	if pinned {
		return []string{sel.Provider}
	}
	out := []string{sel.Provider}
	if g.manager != nil {
		if names, err := g.manager.Candidates(defaultGroup); err == nil {
			for _, n := range names {
				if n == sel.Provider {
					continue
				}
				if _, ok := g.drivers[n]; ok {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

// modelFor maps the requested model onto provider. A model foreign to the
// provider falls back to the driver's configured default.
func modelFor(provider, model string) string {
	if model == "" {
		return ""
	}
	if e := providers.LookupModel(model); e != nil && e.Provider == provider {
		return model
	}
	return ""
}

// upstreamKey returns the per-provider credential override carried by the
// client's key record, if any. Empty means the driver's configured key.
func upstreamKey(rec *auth.APIKey, provider string) string {
	if rec == nil {
		return ""
	}
	return rec.ProviderKeys[provider]
}

// completeWithFailover walks candidates in order, retrying each under the
// retry policy, until one returns a response. Permanent errors stop the walk
// immediately: a request the primary rejected as malformed fails everywhere.
func (g *Gateway) completeWithFailover(
	ctx context.Context,
	req *providers.Request,
	sel Selection,
	candidates []string,
	route string,
	keyRec *auth.APIKey,
) (*providers.Response, string, error) {
	var lastErr error

	for i, name := range candidates {
		drv, ok := g.drivers[name]
		if !ok {
			continue
		}
		if !g.cb.Allow(name) {
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name)
			}
			continue
		}
		if i > 0 {
			if g.metrics != nil {
				g.metrics.RecordFailover(defaultGroup, candidates[i-1], name, providerErrClass(lastErr))
			}
			g.log.Warn("failover",
				slog.String("request_id", req.RequestID),
				slog.String("from", candidates[i-1]),
				slog.String("to", name),
			)
		}

		attempt := *req
		attempt.Model = modelFor(name, sel.Model)
		attempt.APIKey = upstreamKey(keyRec, name)

		var resp *providers.Response
		err := g.retryFor(name).Do(ctx, func(int) error {
			provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
			defer cancel()

			upStart := time.Now()
			r, cerr := drv.Complete(provCtx, &attempt)
			g.observeAttempt(name, route, upStart, cerr)
			if cerr != nil {
				return cerr
			}
			resp = r
			return nil
		})
		if err == nil {
			if i > 0 && g.metrics != nil {
				g.metrics.RecordFailoverSuccess(defaultGroup, name)
			}
			return resp, name, nil
		}

		lastErr = err
		if providers.Permanent(err) || errors.Is(err, context.Canceled) {
			return nil, name, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNoCandidates
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(defaultGroup)
	}
	return nil, "", lastErr
}

// observeAttempt records breaker, failover-stats, and metric outcomes for one
// upstream attempt.
func (g *Gateway) observeAttempt(provider, route string, start time.Time, err error) {
	dur := time.Since(start)
	if err == nil {
		g.cb.RecordSuccess(provider)
		if g.manager != nil {
			g.manager.RecordAttempt(defaultGroup, provider, true, dur)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(provider, route, "success", dur)
		}
		return
	}

	class := providers.Classify(err)
	// A malformed request is the client's fault, not the provider's; it must
	// not push the breaker toward open.
	if providers.Permanent(err) && class != providers.ClassUnauthorized && class != providers.ClassForbidden {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(provider, route, "rejected", dur)
		}
		return
	}

	g.cb.RecordFailure(provider)
	if g.manager != nil {
		g.manager.RecordAttempt(defaultGroup, provider, false, dur)
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(provider, route, "error", dur)
		g.metrics.RecordProviderError(provider, string(class))
	}
}

func providerErrClass(err error) string {
	if err == nil {
		return "unknown"
	}
	return string(providers.Classify(err))
}

// serveStream runs the candidate walk inside the SSE relay. Failover and
// same-provider retry are allowed only until the first content delta reaches
// the client; after that the stream belongs to whichever provider produced it.
func (g *Gateway) serveStream(
	ctx *fasthttp.RequestCtx,
	reqID, route string,
	req *providers.Request,
	sel Selection,
	candidates []string,
	keyRec *auth.APIKey,
	start time.Time,
) {
	var servedProvider = sel.Provider

	produce := func(sink *Sink) {
		var lastErr error

		for i, name := range candidates {
			drv, ok := g.drivers[name]
			if !ok {
				continue
			}
			if !g.cb.Allow(name) {
				if g.metrics != nil {
					g.metrics.RecordCircuitBreakerRejection(name)
				}
				continue
			}
			if i > 0 {
				if g.metrics != nil {
					g.metrics.RecordFailover(defaultGroup, candidates[i-1], name, providerErrClass(lastErr))
				}
			}
			servedProvider = name

			attempt := *req
			attempt.Model = modelFor(name, sel.Model)
			attempt.APIKey = upstreamKey(keyRec, name)

			pol := g.retryFor(name)
			for try := 1; ; try++ {
				// The driver's terminal error event is held back while a
				// retry or failover is still possible; forwarding it would
				// burn the stream's single terminal frame.
				var held providers.Event
				upStart := time.Now()
				err := drv.StreamChat(sink.Context(), &attempt, func(ev providers.Event) {
					if ev.Type == providers.EventError {
						held = ev
						return
					}
					sink.Send(ev)
				})
				g.observeAttempt(name, route, upStart, err)

				if err == nil {
					if i > 0 && g.metrics != nil {
						g.metrics.RecordFailoverSuccess(defaultGroup, name)
					}
					return
				}
				lastErr = err

				final := sink.Emitted() ||
					providers.Permanent(err) ||
					sink.Context().Err() != nil
				if final {
					if held.Type == providers.EventError && held.Err != nil {
						sink.Send(held)
					} else {
						sink.Send(providers.Event{Type: providers.EventError, Err: err})
					}
					return
				}

				if try < pol.MaxAttempts && pol.ShouldRetry(err) {
					timer := time.NewTimer(pol.Delay(try))
					select {
					case <-sink.Context().Done():
						timer.Stop()
						return
					case <-timer.C:
					}
					continue
				}
				break // next candidate
			}
		}

		// Every candidate failed before any content was emitted.
		if g.metrics != nil {
			g.metrics.RecordFailoverExhausted(defaultGroup)
		}
		if lastErr == nil {
			lastErr = ErrNoCandidates
		}
		sink.Send(providers.Event{Type: providers.EventError, Err: lastErr})
	}

	// The concurrency slot outlives the handler: hand it to the relay and
	// tell the admission middleware not to release on handler return.
	release, _ := ctx.UserValue("release").(ratelimit.ReleaseFunc)
	ctx.SetUserValue("stream_active", true)

	g.relay.Serve(ctx, reqID, produce, release, func(out Outcome) {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, out.Elapsed)
			g.metrics.AddStreamFrames(servedProvider, out.Frames)
			g.metrics.RecordStreamTermination(servedProvider, out.Termination)
		}
		// ≈4 chars per token when the provider reported no usage.
		estTokens := out.OutputChars / 4
		g.logRequest(reqID, keyRec, servedProvider, sel.Model, route,
			0, estTokens, time.Since(start), fasthttp.StatusOK, true)
		g.log.Info("stream_done",
			slog.String("request_id", reqID),
			slog.String("provider", servedProvider),
			slog.String("termination", out.Termination),
			slog.Int("frames", out.Frames),
			slog.Duration("elapsed", out.Elapsed),
		)
	})
}

// ── Embeddings ────────────────────────────────────────────────────────────────

type (
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundUsage           `json:"usage"`
	}
)

// parseEmbeddingInput normalises the "input" field (string or array of
// strings) into []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings. Embeddings are single-shot:
// no failover, the model decides the provider.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	servedProvider := "unknown"
	inputTokens := 0

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.AddTokens(servedProvider, inputTokens, 0)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	keyRec, _ := ctx.UserValue("api_key").(*auth.APIKey)

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}
	if in.Model == "" {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeBadRequest, apierr.Param("model"))
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeBadRequest, apierr.Param("input"))
		return
	}

	entry := providers.LookupModel(in.Model)
	if entry == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q not found", in.Model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		return
	}
	drv, ok := g.drivers[entry.Provider]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q is not configured", entry.Provider),
			apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}
	servedProvider = entry.Provider

	embedder, ok := drv.(providers.Embedder)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", entry.Provider),
			apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}

	if !g.cb.Allow(entry.Provider) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(entry.Provider)
		}
		apierr.WriteUnavailable(ctx,
			fmt.Sprintf("provider %q is temporarily unavailable", entry.Provider))
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     in.Model,
		RequestID: reqID,
	}
	if keyRec != nil {
		embReq.TenantID = keyRec.Key
		embReq.APIKey = keyRec.ProviderKeys[entry.Provider]
	}

	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	g.observeAttempt(entry.Provider, route, upStart, err)
	if embResp != nil {
		inputTokens = embResp.Usage.InputTokens
	}
	if err != nil {
		g.log.Error("embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", entry.Provider),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		return
	}

	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	body, _ := json.Marshal(outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	})

	g.logRequest(reqID, keyRec, entry.Provider, in.Model, route,
		embResp.Usage.InputTokens, 0, time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── Model catalog endpoints ───────────────────────────────────────────────────

type modelObject struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"`
	Created         int64    `json:"created"`
	OwnedBy         string   `json:"owned_by"`
	Provider        string   `json:"provider"`
	ModelFamily     string   `json:"model_family"`
	Capabilities    []string `json:"capabilities"`
	CostPer1KTokens float64  `json:"cost_per_1k_tokens"`
}

func modelObjectFor(e providers.CatalogEntry) modelObject {
	caps := make([]string, len(e.Capabilities))
	for i, c := range e.Capabilities {
		caps[i] = string(c)
	}
	return modelObject{
		ID:              e.Model,
		Object:          "model",
		Created:         1700000000,
		OwnedBy:         e.Provider,
		Provider:        e.Provider,
		ModelFamily:     e.Family,
		Capabilities:    caps,
		CostPer1KTokens: e.CostPer1K,
	}
}

// handleModels serves GET /v1/models: the catalog filtered to configured
// providers.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	var data []modelObject
	for _, e := range providers.SortedCatalog() {
		if _, ok := g.drivers[e.Provider]; !ok {
			continue
		}
		data = append(data, modelObjectFor(e))
	}
	body, _ := json.Marshal(struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}{Object: "list", Data: data})

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleModelByID serves GET /v1/models/{id}.
func (g *Gateway) handleModelByID(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	e := providers.LookupModel(id)
	if e == nil {
		apierr.WriteParam(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q not found", id),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound, apierr.Param("model"))
		return
	}
	if _, ok := g.drivers[e.Provider]; !ok {
		apierr.WriteParam(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q not found", id),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound, apierr.Param("model"))
		return
	}
	body, _ := json.Marshal(modelObjectFor(*e))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── Overflow replay ───────────────────────────────────────────────────────────

// OverflowSubmit builds the drainer's replay function. A parked job replays
// as a non-streaming completion under the same admission rules as live
// traffic; a still-saturated key returns overflow.ErrNoCapacity so the job
// keeps its attempt budget.
func (g *Gateway) OverflowSubmit(limiter *ratelimit.Limiter, keys *auth.KeyStore) overflow.SubmitFunc {
	return func(ctx context.Context, job *overflow.Job) error {
		keyRec := keys.Lookup(job.APIKey)
		if keyRec == nil || !keyRec.Active {
			return fmt.Errorf("overflow: api key for job %s is no longer valid", job.JobID)
		}

		dec, release := limiter.Admit(ctx, job.APIKey, keyRec.Limits)
		if !dec.Allowed {
			return overflow.ErrNoCapacity
		}
		defer release()

		var in inboundRequest
		if err := json.Unmarshal(job.PayloadJSON, &in); err != nil {
			return fmt.Errorf("overflow: decode job %s: %w", job.JobID, err)
		}

		msgs := make([]providers.Message, 0, len(in.Messages))
		for _, m := range in.Messages {
			msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
		}
		req := &providers.Request{
			Model:       in.Model,
			Messages:    msgs,
			Temperature: in.Temperature,
			TopP:        in.TopP,
			MaxTokens:   in.MaxTokens,
			Stop:        in.Stop,
			User:        in.User,
			Provider:    in.Provider,
			TenantID:    job.APIKey,
			RequestID:   job.RequestID,
		}
		sel, err := g.router.Resolve(req)
		if err != nil {
			return err
		}

		resp, used, err := g.completeWithFailover(ctx, req, sel, g.candidatesFor(sel, req.Provider != ""), "overflow", keyRec)
		if err != nil {
			return err
		}
		g.logRequest(job.RequestID, keyRec, used, resp.Model, "overflow",
			resp.Usage.InputTokens, resp.Usage.OutputTokens,
			time.Since(job.EnqueuedAt), fasthttp.StatusOK, false)
		return nil
	}
}

// logRequest enqueues an async RequestLog entry. Never blocks.
func (g *Gateway) logRequest(
	requestID string,
	keyRec *auth.APIKey,
	provider, model, route string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	streamed bool,
) {
	if g.reqLogger == nil {
		return
	}

	tenant := ""
	if keyRec != nil {
		tenant = auth.Mask(keyRec.Key)
	}
	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	g.reqLogger.Log(logger.RequestLog{
		ID:           id,
		Tenant:       tenant,
		Provider:     provider,
		Model:        model,
		Route:        route,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latencyMs),
		Status:       uint16(status),
		Streamed:     streamed,
		Queued:       route == "overflow",
		CreatedAt:    time.Now(),
	})
}

// handleProviderError maps upstream errors to the client response.
//
//	StatusCoder errors           → remapped via apierr.WriteProviderError
//	context.DeadlineExceeded     → 504 Gateway Timeout
//	exhausted candidate list     → 503 Service Unavailable
//	everything else              → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var de *providers.DriverError
	if errors.As(err, &de) && de.Status > 0 {
		apierr.WriteProviderError(ctx, de.Status, de.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	if errors.Is(err, ErrNoCandidates) {
		apierr.WriteUnavailable(ctx, "no healthy upstream provider is available")
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

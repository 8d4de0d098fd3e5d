package proxy

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/auth"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/pkg/apierr"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","param":null,"code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context under "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds OWASP-recommended HTTP security headers to every
// response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Admission owns authentication and rate limiting for the proxy routes. It
// resolves the API key, runs the admission check, exposes X-RateLimit-*
// headers, and parks concurrency-saturated chat requests in the overflow
// queue instead of rejecting them.
type Admission struct {
	keys    *auth.KeyStore
	limiter *ratelimit.Limiter

	// queue is optional; nil means concurrency saturation returns 429 like
	// any other limit.
	queue *overflow.Store

	metrics interface {
		RecordAdmission(result, reason string)
		RecordOverflow(event string)
		SetOverflowDepth(n int64)
	}
	onEnqueue func() // wakes the drainer
	log       *slog.Logger
}

// NewAdmission builds the admission middleware. metrics and queue may be nil.
func NewAdmission(keys *auth.KeyStore, limiter *ratelimit.Limiter, log *slog.Logger) *Admission {
	if log == nil {
		log = slog.Default()
	}
	return &Admission{keys: keys, limiter: limiter, log: log}
}

// SetOverflow wires the overflow queue. onEnqueue is invoked after each
// successful enqueue (used to nudge the drainer's depth gauge).
func (a *Admission) SetOverflow(q *overflow.Store, onEnqueue func()) {
	a.queue = q
	a.onEnqueue = onEnqueue
}

// SetMetrics wires the admission counters.
func (a *Admission) SetMetrics(m interface {
	RecordAdmission(result, reason string)
	RecordOverflow(event string)
	SetOverflowDepth(n int64)
}) {
	a.metrics = m
}

// Middleware authenticates and admits one request. queueable marks routes
// whose concurrency overflow may be parked instead of rejected.
func (a *Admission) Middleware(queueable bool) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			// 1. Authenticate.
			header := string(ctx.Request.Header.Peek("Authorization"))
			if header == "" {
				a.recordAdmission("denied", "auth")
				apierr.WriteMissingAuth(ctx)
				return
			}
			token := parseBearerToken(header)
			if token == "" || !auth.ValidateKeyFormat(token) {
				a.recordAdmission("denied", "auth")
				apierr.WriteInvalidKey(ctx)
				return
			}
			keyRec := a.keys.Lookup(token)
			if keyRec == nil || !keyRec.Active {
				a.recordAdmission("denied", "auth")
				apierr.WriteInvalidKey(ctx)
				return
			}
			ctx.SetUserValue("api_key", keyRec)

			// 2. Admit.
			dec, release := a.limiter.Admit(ctx, token, keyRec.Limits)
			setRateLimitHeaders(ctx, dec)

			if !dec.Allowed {
				if dec.Reason == ratelimit.ReasonConcurrency && queueable && a.queue != nil {
					a.enqueue(ctx, token)
					return
				}
				a.recordAdmission("denied", dec.Reason)
				a.log.Warn("admission_denied",
					slog.String("key", auth.Mask(token)),
					slog.String("reason", dec.Reason),
				)
				apierr.WriteRateLimit(ctx, int(dec.ResetRPM.Seconds())+1)
				return
			}

			a.recordAdmission("allowed", "")
			ctx.SetUserValue("release", release)
			next(ctx)

			// Streaming handlers keep the slot until the relay finishes and
			// release it themselves; release is idempotent either way.
			if active, _ := ctx.UserValue("stream_active").(bool); !active {
				release()
			}
		}
	}
}

// enqueue parks a concurrency-saturated request and answers 202 Accepted.
func (a *Admission) enqueue(ctx *fasthttp.RequestCtx, token string) {
	reqID, _ := ctx.UserValue("request_id").(string)

	jobID, created, err := a.queue.Enqueue(ctx, reqID, token, append([]byte(nil), ctx.PostBody()...))
	if err != nil {
		a.recordAdmission("denied", ratelimit.ReasonConcurrency)
		a.log.Error("overflow_enqueue_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteRateLimit(ctx, 60)
		return
	}

	a.recordAdmission("queued", ratelimit.ReasonConcurrency)
	if a.metrics != nil {
		if created {
			a.metrics.RecordOverflow("enqueued")
		} else {
			a.metrics.RecordOverflow("duplicate")
		}
		if depth, derr := a.queue.Depth(ctx); derr == nil {
			a.metrics.SetOverflowDepth(depth)
		}
	}
	if created && a.onEnqueue != nil {
		a.onEnqueue()
	}

	a.log.Info("request_queued",
		slog.String("request_id", reqID),
		slog.String("job_id", jobID),
		slog.String("key", auth.Mask(token)),
		slog.Bool("created", created),
	)

	body, _ := json.Marshal(struct {
		Message   string `json:"message"`
		JobID     string `json:"job_id"`
		RequestID string `json:"request_id"`
	}{
		Message:   "Request queued for processing",
		JobID:     jobID,
		RequestID: reqID,
	})
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (a *Admission) recordAdmission(result, reason string) {
	if a.metrics != nil {
		a.metrics.RecordAdmission(result, reason)
	}
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit-Requests", strconv.Itoa(d.LimitRPM))
	h.Set("X-RateLimit-Remaining-Requests", strconv.Itoa(d.RemainingRPM))
	h.Set("X-RateLimit-Reset-Requests", strconv.Itoa(int(d.ResetRPM.Seconds())+1))
	h.Set("X-RateLimit-Limit-Requests-Hour", strconv.Itoa(d.LimitRPH))
	h.Set("X-RateLimit-Remaining-Requests-Hour", strconv.Itoa(d.RemainingRPH))
	h.Set("X-RateLimit-Reset-Requests-Hour", strconv.Itoa(int(d.ResetRPH.Seconds())+1))
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

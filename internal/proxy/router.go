package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the proxy listener's request handler: the OpenAI-compatible
// surface behind the admission middleware.
func (g *Gateway) Handler(adm *Admission, corsOrigins []string) fasthttp.RequestHandler {
	r := router.New()

	queueable := adm.Middleware(true)  // chat routes may park in the overflow queue
	immediate := adm.Middleware(false) // everything else gets a plain 429

	r.POST("/v1/chat/completions", applyMiddleware(g.dispatchChat, queueable))
	r.POST("/v1/completions", applyMiddleware(g.dispatchChat, queueable))
	r.POST("/v1/embeddings", applyMiddleware(g.dispatchEmbeddings, immediate))
	r.GET("/v1/models", applyMiddleware(g.handleModels, immediate))
	r.GET("/v1/models/{id}", applyMiddleware(g.handleModelByID, immediate))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(corsOrigins),
		securityHeaders,
	)
}

// HealthHandler builds the management listener's handler: health, readiness,
// and Prometheus metrics. No authentication; bind it to an internal port.
func (g *Gateway) HealthHandler(metricsHandler fasthttp.RequestHandler) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	return applyMiddleware(r.Handler, recovery, requestID)
}

// NewServer wraps handler in a fasthttp server with the gateway's timeouts.
// WriteTimeout must exceed the stream session deadline or long SSE sessions
// die early.
func NewServer(handler fasthttp.RequestHandler, name string) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      handler,
		Name:         name,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 6 * time.Minute,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot(g.cb))
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

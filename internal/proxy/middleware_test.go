package proxy

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/auth"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/ratelimit"
)

const testKey = "sk-test-key-123"

func testAdmission(t *testing.T, limits auth.Limits) *Admission {
	t.Helper()
	keys := auth.NewKeyStore()
	keys.Put(&auth.APIKey{Key: testKey, Name: "test", Active: true, Limits: limits})
	limiter := ratelimit.NewLimiter(auth.Limits{
		RequestsPerMinute:  60,
		RequestsPerHour:    1000,
		ConcurrentRequests: 10,
	}, nil)
	return NewAdmission(keys, limiter, nil)
}

func admitRequest(adm *Admission, queueable bool, setup func(*fasthttp.RequestCtx)) (*fasthttp.RequestCtx, bool) {
	handled := false
	chain := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		handled = true
	}, requestID, adm.Middleware(queueable))

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	if setup != nil {
		setup(ctx)
	}
	chain(ctx)
	return ctx, handled
}

func bearer(ctx *fasthttp.RequestCtx, token string) {
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
}

// --- authentication ----------------------------------------------------------

func TestAdmission_MissingAuthHeader(t *testing.T) {
	adm := testAdmission(t, auth.Limits{})

	ctx, handled := admitRequest(adm, false, nil)

	if handled {
		t.Error("handler must not run without credentials")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "missing_authorization") {
		t.Errorf("body should carry missing_authorization: %s", ctx.Response.Body())
	}
}

func TestAdmission_MalformedAuthHeader(t *testing.T) {
	adm := testAdmission(t, auth.Limits{})

	for _, header := range []string{
		"Basic dXNlcjpwYXNz",
		"Bearer",
		"Bearer not-an-sk-key",
		"sk-raw-token-no-scheme",
	} {
		ctx, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
			ctx.Request.Header.Set("Authorization", header)
		})
		if handled {
			t.Errorf("header %q must not be admitted", header)
		}
		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, ctx.Response.StatusCode())
		}
		if !strings.Contains(string(ctx.Response.Body()), "invalid_api_key") {
			t.Errorf("header %q: body should carry invalid_api_key: %s", header, ctx.Response.Body())
		}
	}
}

func TestAdmission_UnknownKey(t *testing.T) {
	adm := testAdmission(t, auth.Limits{})

	ctx, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, "sk-not-provisioned")
	})
	if handled || ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("unknown key must be rejected with 401, got %d", ctx.Response.StatusCode())
	}
}

func TestAdmission_RevokedKey(t *testing.T) {
	adm := testAdmission(t, auth.Limits{})
	adm.keys.Revoke(testKey)

	ctx, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
	})
	if handled || ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("revoked key must be rejected with 401, got %d", ctx.Response.StatusCode())
	}
}

// --- admission and headers ---------------------------------------------------

func TestAdmission_AllowedRequest(t *testing.T) {
	adm := testAdmission(t, auth.Limits{})

	var keyRec *auth.APIKey
	chain := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		keyRec, _ = ctx.UserValue("api_key").(*auth.APIKey)
		ctx.SetStatusCode(fasthttp.StatusOK)
	}, requestID, adm.Middleware(false))

	ctx := &fasthttp.RequestCtx{}
	bearer(ctx, testKey)
	chain(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if keyRec == nil || keyRec.Name != "test" {
		t.Error("api_key record must be available to the handler")
	}
	for _, h := range []string{
		"X-RateLimit-Limit-Requests",
		"X-RateLimit-Remaining-Requests",
		"X-RateLimit-Reset-Requests",
		"X-RateLimit-Limit-Requests-Hour",
		"X-RateLimit-Remaining-Requests-Hour",
		"X-RateLimit-Reset-Requests-Hour",
	} {
		if len(ctx.Response.Header.Peek(h)) == 0 {
			t.Errorf("missing header %s", h)
		}
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Limit-Requests")); got != "60" {
		t.Errorf("X-RateLimit-Limit-Requests = %s, want 60 (gateway default)", got)
	}
}

func TestAdmission_RPMDenied(t *testing.T) {
	adm := testAdmission(t, auth.Limits{RequestsPerMinute: 1})

	if _, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
	}); !handled {
		t.Fatal("first request should be admitted")
	}

	ctx, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
	})
	if handled {
		t.Error("second request must be rate limited")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Header.Peek("Retry-After")) == 0 {
		t.Error("429 must carry Retry-After")
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Remaining-Requests")); got != "0" {
		t.Errorf("remaining = %s, want 0", got)
	}
}

func TestAdmission_ConcurrencyWithoutQueueIs429(t *testing.T) {
	adm := testAdmission(t, auth.Limits{ConcurrentRequests: 1})

	// Park the only slot by marking the first request as an active stream.
	holder := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetUserValue("stream_active", true)
	}, requestID, adm.Middleware(false))
	hold := &fasthttp.RequestCtx{}
	bearer(hold, testKey)
	holder(hold)

	ctx, handled := admitRequest(adm, false, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
	})
	if handled {
		t.Error("saturated key must not be admitted")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 without an overflow queue", ctx.Response.StatusCode())
	}
}

func TestAdmission_ConcurrencyOverflowQueued(t *testing.T) {
	adm := testAdmission(t, auth.Limits{ConcurrentRequests: 1})

	store, err := overflow.Open(filepath.Join(t.TempDir(), "overflow.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	woken := 0
	adm.SetOverflow(store, func() { woken++ })

	// Hold the only slot.
	holder := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetUserValue("stream_active", true)
	}, requestID, adm.Middleware(true))
	hold := &fasthttp.RequestCtx{}
	bearer(hold, testKey)
	holder(hold)

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"queued"}]}`)
	ctx, handled := admitRequest(adm, true, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
		ctx.Request.Header.Set("X-Request-ID", "req-overflow-1")
		ctx.Request.SetBody(body)
	})

	if handled {
		t.Error("queued request must not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("status = %d, want 202", ctx.Response.StatusCode())
	}
	var resp struct {
		Message   string `json:"message"`
		JobID     string `json:"job_id"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("202 body not valid JSON: %v", err)
	}
	if resp.JobID == "" || resp.RequestID != "req-overflow-1" {
		t.Errorf("unexpected 202 body: %+v", resp)
	}
	if resp.Message != "Request queued for processing" {
		t.Errorf("202 message = %q, want the documented literal", resp.Message)
	}
	if woken != 1 {
		t.Errorf("drainer wake count = %d, want 1", woken)
	}
	if depth, _ := store.Depth(ctx); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}

	// Same request ID again: idempotent, same job, no second wake.
	ctx2, _ := admitRequest(adm, true, func(ctx *fasthttp.RequestCtx) {
		bearer(ctx, testKey)
		ctx.Request.Header.Set("X-Request-ID", "req-overflow-1")
		ctx.Request.SetBody(body)
	})
	if ctx2.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("duplicate status = %d, want 202", ctx2.Response.StatusCode())
	}
	var dup struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(ctx2.Response.Body(), &dup); err != nil {
		t.Fatal(err)
	}
	if dup.JobID != resp.JobID {
		t.Errorf("duplicate enqueue returned job %s, want %s", dup.JobID, resp.JobID)
	}
	if woken != 1 {
		t.Errorf("duplicate must not wake the drainer again, wakes = %d", woken)
	}
	if depth, _ := store.Depth(ctx2); depth != 1 {
		t.Errorf("queue depth after duplicate = %d, want 1", depth)
	}
}

// --- generic middleware ------------------------------------------------------

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer sk-abc", "sk-abc"},
		{"bearer sk-abc", "sk-abc"},
		{"BEARER sk-abc", "sk-abc"},
		{"Bearer  sk-abc", "sk-abc"},
		{"Basic sk-abc", ""},
		{"Bearer", ""},
		{"sk-abc", ""},
	}
	for _, tt := range tests {
		if got := parseBearerToken(tt.header); got != tt.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRequestID_Generated(t *testing.T) {
	var fromCtx string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		fromCtx, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	echoed := string(ctx.Response.Header.Peek("X-Request-ID"))
	if echoed == "" || echoed != fromCtx {
		t.Errorf("generated ID must be echoed and stored: header=%q ctx=%q", echoed, fromCtx)
	}
}

func TestRequestID_ClientSupplied(t *testing.T) {
	h := requestID(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-id-7")
	h(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-id-7" {
		t.Errorf("X-Request-ID = %q, want the client-supplied value", got)
	}
}

func TestTiming_SetsHeader(t *testing.T) {
	h := timing(func(*fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time header missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(*fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
	}
	for k, v := range want {
		if got := string(ctx.Response.Header.Peek(k)); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		t.Error("preflight must not reach the handler")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestCORS_ExplicitOrigins(t *testing.T) {
	h := corsHandler([]string{"https://a.example", "https://b.example"})(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := "https://a.example, https://b.example"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Errorf("allow-origin = %q, want %q", got, want)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	h := recovery(func(*fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	var errResp struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &errResp); err != nil {
		t.Fatalf("panic response not valid JSON: %v", err)
	}
	if errResp.Error.Code != "internal_error" {
		t.Errorf("code = %s, want internal_error", errResp.Error.Code)
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	h := applyMiddleware(func(*fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	h(&fasthttp.RequestCtx{})

	want := []string{"outer", "inner", "handler"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

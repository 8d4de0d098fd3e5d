package apierr

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("response not valid JSON: %v (%s)", err, ctx.Response.Body())
	}
	return env.Error
}

func TestWrite_EnvelopeShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "broken", TypeInvalidRequest, CodeBadRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); !strings.Contains(ct, "application/json") {
		t.Errorf("content type = %s, want application/json", ct)
	}

	e := decode(t, ctx)
	if e.Message != "broken" || e.Type != TypeInvalidRequest || e.Code != CodeBadRequest {
		t.Errorf("unexpected error: %+v", e)
	}
	// param must serialize as JSON null, not be omitted.
	if !strings.Contains(string(ctx.Response.Body()), `"param":null`) {
		t.Errorf("body must carry param:null, got %s", ctx.Response.Body())
	}
}

func TestWriteParam(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteParam(ctx, fasthttp.StatusBadRequest, "bad model", TypeInvalidRequest, CodeBadRequest, Param("model"))

	e := decode(t, ctx)
	if e.Param == nil || *e.Param != "model" {
		t.Errorf("param = %v, want model", e.Param)
	}
}

func TestWriteMissingAuth(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteMissingAuth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Code != CodeMissingAuthorization {
		t.Errorf("code = %s, want %s", e.Code, CodeMissingAuthorization)
	}
	if !strings.Contains(e.Message, "Bearer") {
		t.Errorf("message should explain the expected header: %q", e.Message)
	}
}

func TestWriteInvalidKey(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInvalidKey(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Code != CodeInvalidAPIKey {
		t.Errorf("code = %s, want %s", e.Code, CodeInvalidAPIKey)
	}
}

func TestWriteRateLimit(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 17)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "17" {
		t.Errorf("Retry-After = %s, want 17", got)
	}
	if e := decode(t, ctx); e.Type != TypeRateLimitError || e.Code != CodeRateLimitExceeded {
		t.Errorf("unexpected error: %+v", e)
	}
}

func TestWriteRateLimit_FloorsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, 0)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %s, want fallback 60", got)
	}
}

func TestWriteForbidden(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteForbidden(ctx, "provider not allowed")

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("status = %d, want 403", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Type != TypePermissionErr || e.Code != CodeInsufficientPerms {
		t.Errorf("unexpected error: %+v", e)
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Code != CodeRequestTimeout {
		t.Errorf("code = %s, want %s", e.Code, CodeRequestTimeout)
	}
}

func TestWriteProviderError_StatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		providerStatus int
		wantStatus     int
		wantCode       string
	}{
		{"rate limited passes through", 429, 429, CodeRateLimitExceeded},
		{"500 becomes 503", 500, 503, CodeServiceUnavailable},
		{"502 becomes 503", 502, 503, CodeServiceUnavailable},
		{"599 becomes 503", 599, 503, CodeServiceUnavailable},
		{"400 becomes 502", 400, 502, CodeProviderError},
		{"401 becomes 502", 401, 502, CodeProviderError},
		{"404 becomes 502", 404, 502, CodeProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			WriteProviderError(ctx, tt.providerStatus, "upstream said no")

			if ctx.Response.StatusCode() != tt.wantStatus {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tt.wantStatus)
			}
			if e := decode(t, ctx); e.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", e.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteProviderError_RateLimitHasRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteProviderError(ctx, 429, "slow down")

	if got := string(ctx.Response.Header.Peek("Retry-After")); got == "" {
		t.Error("upstream 429 must carry Retry-After")
	}
}

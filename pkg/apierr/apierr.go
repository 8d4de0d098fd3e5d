// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypePermissionErr  = "permission_error"
	TypeProviderError  = "provider_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeMissingAuthorization = "missing_authorization"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeBadRequest           = "bad_request"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeInsufficientPerms    = "insufficient_permissions"
	CodeServiceUnavailable   = "service_unavailable"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeRequestTimeout       = "request_timeout"
	CodeModelNotFound        = "model_not_found"
)

type (
	// APIError is the structured error returned to clients. Param is the name
	// of the offending request parameter, or null when not applicable.
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteParam(ctx, status, message, errType, code, nil)
}

// WriteParam writes the error with an explicit param name.
func WriteParam(ctx *fasthttp.RequestCtx, status int, message, errType, code string, param *string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Param:   param,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// Param wraps a parameter name for WriteParam.
func Param(name string) *string { return &name }

// WriteMissingAuth writes a 401 for a request without an Authorization header.
func WriteMissingAuth(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"missing Authorization header; expected 'Authorization: Bearer <api-key>'",
		TypeInvalidRequest, CodeMissingAuthorization)
}

// WriteInvalidKey writes a 401 for an unknown, malformed, or revoked API key.
func WriteInvalidKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid API key", TypeInvalidRequest, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteForbidden writes a 403 permission error.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionErr, CodeInsufficientPerms)
}

// WriteUnavailable writes a 503 when every upstream candidate has failed.
func WriteUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServerError, CodeServiceUnavailable)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteProviderError maps an upstream HTTP status to the gateway response.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 503 (retry/failover already exhausted)
//	Provider 4xx  → 502 (permanent upstream rejection)
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimit(ctx, 60)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServerError, CodeServiceUnavailable)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeServerError, CodeProviderError)
	}
}

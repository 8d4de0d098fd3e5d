// Package providers defines the common interfaces and types used by all LLM
// provider drivers (OpenAI, Anthropic, Gemini, and OpenAI-compatible vendors).
//
// Each driver lives in its own sub-package and implements the Driver
// interface. Drivers that support vector embeddings additionally implement
// Embedder. Drivers never retry internally — the retry policy, circuit
// breaker, and failover manager sit above them in internal/proxy.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Capability identifies a feature a provider/model combination supports.
type Capability string

const (
	CapChat            Capability = "chat"
	CapStreaming       Capability = "streaming"
	CapFunctionCalling Capability = "function_calling"
	CapVision          Capability = "vision"
	CapEmbeddings      Capability = "embeddings"
)

// HasAll reports whether set contains every capability in want.
func HasAll(set, want []Capability) bool {
	for _, w := range want {
		found := false
		for _, c := range set {
			if c == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request — normalized client request, including Runestone routing
	// extensions. TenantID defaults to the API key when not supplied.
	Request struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		Stop        []string
		User        string

		// Runestone extensions.
		Provider        string
		TenantID        string
		ModelFamily     string
		Capabilities    []Capability
		MaxCostPerToken float64
		RequestID       string

		// APIKey is a per-tenant upstream credential override. Empty means
		// the provider's configured key is used.
		APIKey string
	}

	// Response — normalized non-streaming provider response.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input     []string
		Model     string
		TenantID  string
		RequestID string
		APIKey    string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// EventType discriminates the neutral stream event union.
type EventType int

const (
	// EventDelta carries a chunk of assistant text.
	EventDelta EventType = iota
	// EventMetadata carries stream identity (upstream id/model) and, at the
	// end of some streams, token usage.
	EventMetadata
	// EventDone marks normal stream completion. Exactly one terminal event
	// (done or error) is emitted per stream.
	EventDone
	// EventError marks abnormal stream termination.
	EventError
)

// Event is the neutral union emitted by StreamChat in upstream arrival order.
type Event struct {
	Type         EventType
	Delta        string
	FinishReason string

	// Metadata fields.
	ID    string
	Model string
	Usage *Usage

	// Err is set only for EventError.
	Err error
}

// Info describes a driver for capability introspection and /v1/models.
type Info struct {
	Name            string
	Version         string
	SupportedModels []string
	Capabilities    []Capability
}

// Config holds per-provider runtime settings resolved from the environment.
type Config struct {
	APIKey         string
	BaseURL        string
	DefaultModel   string
	Timeout        time.Duration
	RetryAttempts  int
	CircuitBreaker bool
}

// Config validation errors returned by Driver.ValidateConfig.
var (
	ErrMissingAPIKey  = errors.New("missing api key")
	ErrInvalidBaseURL = errors.New("invalid base url")
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// ValidateConfig performs the checks shared by every driver. Drivers call
// this from their own ValidateConfig and add provider-specific rules on top.
func ValidateConfig(cfg Config) error {
	if cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ErrInvalidBaseURL
		}
	}
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Driver — LLM provider driver interface.
//
// StreamChat parses the upstream stream and invokes onEvent for each decoded
// event in arrival order. It must emit exactly one terminal event (done or
// error) before returning, and returns the error that terminated the stream
// (nil on normal completion).
type Driver interface {
	Info() Info
	ValidateConfig(cfg Config) error
	Complete(ctx context.Context, req *Request) (*Response, error)
	StreamChat(ctx context.Context, req *Request, onEvent func(Event)) error
	EstimateCost(req *Request) (float64, error)
	HealthCheck(ctx context.Context) error
}

// Embedder is an optional interface implemented by drivers that support the
// embeddings API. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ErrUnsupportedModel is returned by EstimateCost for models absent from the
// cost catalog.
var ErrUnsupportedModel = errors.New("unsupported model")

// Default timeouts and resilience constants shared across drivers.
const (
	ProviderTimeout   = 120 * time.Second
	MaxRetries        = 3
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBCooldown        = 30 * time.Second
	StreamIdleTimeout = 30 * time.Second
	StreamDeadline    = 5 * time.Minute
)

// ErrorClass buckets driver failures for the retry predicate and metrics.
type ErrorClass string

const (
	ClassUnauthorized ErrorClass = "unauthorized"
	ClassForbidden    ErrorClass = "forbidden"
	ClassRateLimited  ErrorClass = "rate_limit"
	ClassServerError  ErrorClass = "server_error"
	ClassTimeout      ErrorClass = "timeout"
	ClassConnection   ErrorClass = "connection_error"
	ClassUnknown      ErrorClass = "unknown_error"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// DriverError is the structured error every driver returns for upstream
// failures. It implements StatusCoder when Status > 0.
type DriverError struct {
	Provider string
	Status   int
	Class    ErrorClass
	Message  string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, class=%s)", e.Provider, e.Message, e.Status, e.Class)
}

// HTTPStatus implements StatusCoder.
func (e *DriverError) HTTPStatus() int { return e.Status }

// NewDriverError builds a DriverError, deriving the class from the status.
func NewDriverError(provider string, status int, msg string) *DriverError {
	return &DriverError{
		Provider: provider,
		Status:   status,
		Class:    classForStatus(status),
		Message:  msg,
	}
}

func classForStatus(status int) ErrorClass {
	switch {
	case status == 401:
		return ClassUnauthorized
	case status == 403:
		return ClassForbidden
	case status == 429:
		return ClassRateLimited
	case status == 408:
		return ClassTimeout
	case status >= 500 && status < 600:
		return ClassServerError
	default:
		return ClassUnknown
	}
}

// Classify converts any error into an ErrorClass for the retry predicate and
// metrics labels. Context cancellation/deadline map to timeout.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}
	if sc, ok := err.(StatusCoder); ok {
		return classForStatus(sc.HTTPStatus())
	}
	return ClassUnknown
}

// Permanent reports whether err is a permanent upstream rejection (auth or
// request shape) that neither retry nor failover can fix.
func Permanent(err error) bool {
	switch Classify(err) {
	case ClassUnauthorized, ClassForbidden:
		return true
	}
	if sc, ok := err.(StatusCoder); ok {
		s := sc.HTTPStatus()
		return s >= 400 && s < 500 && s != 429 && s != 408
	}
	return false
}

// Package openaicompat provides a generic driver for any service that speaks
// the OpenAI chat completions wire format (xAI, Groq, DeepSeek, Together AI,
// Perplexity, Cerebras, etc.). It talks raw HTTP and decodes the SSE stream
// itself, so vendor quirks never leak through an SDK abstraction.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/providers/sse"
)

// userAgent identifies the gateway to upstreams that key behaviour or quotas
// off the client. The SDK drivers send their own.
const userAgent = "runestone-gateway/1.0"

// DefaultBaseURLs maps known vendor names to their API roots.
var DefaultBaseURLs = map[string]string{
	"xai":      "https://api.x.ai/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"together": "https://api.together.xyz/v1",
}

type (
	chatRequest struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Stream      bool          `json:"stream,omitempty"`
		Temperature float64       `json:"temperature,omitempty"`
		TopP        float64       `json:"top_p,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Stop        []string      `json:"stop,omitempty"`
		User        string        `json:"user,omitempty"`
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatResponse struct {
		ID      string   `json:"id"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
		Usage   *usage   `json:"usage"`
		Error   *apiErr  `json:"error,omitempty"`
	}

	choice struct {
		Message      *chatMessage `json:"message,omitempty"`
		Delta        *chatMessage `json:"delta,omitempty"`
		FinishReason string       `json:"finish_reason"`
	}

	usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}

	apiErr struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}

	embeddingRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	embeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	embeddingResponse struct {
		Model string          `json:"model"`
		Data  []embeddingData `json:"data"`
		Usage *usage          `json:"usage"`
		Error *apiErr         `json:"error,omitempty"`
	}
)

type Driver struct {
	name   string
	cfg    providers.Config
	client *http.Client
}

// New creates an OpenAI-compatible driver.
//
//   - name — unique vendor identifier used for routing and logs.
//   - cfg.BaseURL defaults from DefaultBaseURLs when the name is known.
func New(name string, cfg providers.Config) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURLs[name]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.ProviderTimeout
	}
	return &Driver{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (d *Driver) Info() providers.Info {
	models := providers.ModelsFor(d.name)
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Model
	}
	return providers.Info{
		Name:            d.name,
		Version:         "v1",
		SupportedModels: names,
		Capabilities: []providers.Capability{
			providers.CapChat, providers.CapStreaming,
			providers.CapFunctionCalling, providers.CapEmbeddings,
		},
	}
}

func (d *Driver) ValidateConfig(cfg providers.Config) error {
	if err := providers.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	if cfg.BaseURL == "" {
		if _, known := DefaultBaseURLs[d.name]; !known {
			return fmt.Errorf("%s: %w", d.name, providers.ErrInvalidBaseURL)
		}
	}
	return nil
}

func (d *Driver) EstimateCost(req *providers.Request) (float64, error) {
	cost, ok := providers.CostPer1KTokens(req.Model)
	if !ok {
		return 0, fmt.Errorf("%s: %q: %w", d.name, req.Model, providers.ErrUnsupportedModel)
	}
	return cost, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", d.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.NewDriverError(d.name, resp.StatusCode, "health check failed")
	}
	return nil
}

func (d *Driver) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := d.post(ctx, "/chat/completions", d.buildRequest(req, false), req.APIKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", d.name, err)
	}

	content, finish := "", ""
	if len(cr.Choices) > 0 {
		finish = cr.Choices[0].FinishReason
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
	}

	out := &providers.Response{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
	}
	if cr.Usage != nil {
		out.Usage = providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func (d *Driver) StreamChat(ctx context.Context, req *providers.Request, onEvent func(providers.Event)) error {
	resp, err := d.post(ctx, "/chat/completions", d.buildRequest(req, true), req.APIKey, true)
	if err != nil {
		onEvent(providers.Event{Type: providers.EventError, Err: err})
		return err
	}
	defer resp.Body.Close()

	dec := sse.NewDecoder(resp.Body)
	sentMeta := false
	var streamUsage *providers.Usage

	for {
		payload, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			derr := fmt.Errorf("%s: read stream: %w", d.name, err)
			onEvent(providers.Event{Type: providers.EventError, Err: derr})
			return derr
		}
		if payload == sse.DoneSentinel {
			break
		}

		var cr chatResponse
		if err := json.Unmarshal([]byte(payload), &cr); err != nil {
			// Skip malformed frames; vendors occasionally interleave junk.
			continue
		}
		if cr.Error != nil {
			derr := providers.NewDriverError(d.name, http.StatusBadGateway, cr.Error.Message)
			onEvent(providers.Event{Type: providers.EventError, Err: derr})
			return derr
		}
		if !sentMeta && cr.ID != "" {
			onEvent(providers.Event{Type: providers.EventMetadata, ID: cr.ID, Model: cr.Model})
			sentMeta = true
		}
		if cr.Usage != nil {
			streamUsage = &providers.Usage{
				InputTokens:  cr.Usage.PromptTokens,
				OutputTokens: cr.Usage.CompletionTokens,
			}
		}
		if len(cr.Choices) == 0 {
			continue
		}

		c := cr.Choices[0]
		if c.Delta != nil && c.Delta.Content != "" {
			onEvent(providers.Event{Type: providers.EventDelta, Delta: c.Delta.Content})
		}
		if c.FinishReason != "" {
			onEvent(providers.Event{Type: providers.EventDelta, FinishReason: c.FinishReason})
		}
	}

	if streamUsage != nil {
		onEvent(providers.Event{Type: providers.EventMetadata, Usage: streamUsage})
	}
	onEvent(providers.Event{Type: providers.EventDone})
	return nil
}

// Embed implements providers.Embedder.
func (d *Driver) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, fmt.Errorf("%s: embed: marshal request: %w", d.name, err)
	}

	resp, err := d.post(ctx, "/embeddings", body, req.APIKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("%s: embed: decode response: %w", d.name, err)
	}

	data := make([]providers.EmbeddingData, len(er.Data))
	for i, e := range er.Data {
		data[i] = providers.EmbeddingData{Index: e.Index, Embedding: e.Embedding}
	}

	out := &providers.EmbeddingResponse{Model: er.Model, Data: data}
	if er.Usage != nil {
		out.Usage = providers.Usage{InputTokens: er.Usage.PromptTokens}
	}
	return out, nil
}

func (d *Driver) buildRequest(req *providers.Request, stream bool) []byte {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}

	cr := chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		cr.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		cr.Stop = req.Stop
	}
	if req.User != "" {
		cr.User = req.User
	}

	data, _ := json.Marshal(cr)
	return data
}

func (d *Driver) post(ctx context.Context, path string, body []byte, overrideKey string, stream bool) (*http.Response, error) {
	apiKey := overrideKey
	if apiKey == "" {
		apiKey = d.cfg.APIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", d.name, providers.ErrMissingAPIKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &providers.DriverError{
			Provider: d.name,
			Class:    providers.ClassConnection,
			Message:  err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, d.parseError(resp)
	}
	return resp, nil
}

func (d *Driver) parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var er chatResponse
	msg := ""
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != nil {
		msg = er.Error.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return providers.NewDriverError(d.name, resp.StatusCode, msg)
}

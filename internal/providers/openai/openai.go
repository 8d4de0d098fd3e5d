// Package openai implements the OpenAI driver on top of the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runestonehq/runestone/internal/providers"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	providerName   = "openai"
)

type Driver struct {
	cfg    providers.Config
	client openaiSDK.Client
}

// New builds an OpenAI driver from cfg. BaseURL overrides route through a
// rewriting transport so the SDK keeps its own path layout.
func New(cfg providers.Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.ProviderTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" && cfg.BaseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, cfg.BaseURL)
	}

	return &Driver{
		cfg: cfg,
		client: openaiSDK.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithHTTPClient(httpClient),
		),
	}
}

func (d *Driver) Info() providers.Info {
	models := providers.ModelsFor(providerName)
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Model
	}
	return providers.Info{
		Name:            providerName,
		Version:         "v1",
		SupportedModels: names,
		Capabilities: []providers.Capability{
			providers.CapChat, providers.CapStreaming,
			providers.CapFunctionCalling, providers.CapVision,
			providers.CapEmbeddings,
		},
	}
}

func (d *Driver) ValidateConfig(cfg providers.Config) error {
	if err := providers.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}

func (d *Driver) EstimateCost(req *providers.Request) (float64, error) {
	cost, ok := providers.CostPer1KTokens(req.Model)
	if !ok {
		return 0, fmt.Errorf("openai: %q: %w", req.Model, providers.ErrUnsupportedModel)
	}
	return cost, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toDriverError(err))
	}
	return nil
}

func (d *Driver) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := d.buildParams(req)
	opts, err := d.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toDriverError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = string(resp.Choices[0].FinishReason)
	}

	return &providers.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (d *Driver) StreamChat(ctx context.Context, req *providers.Request, onEvent func(providers.Event)) error {
	params := d.buildParams(req)
	opts, err := d.requestOptions(req.APIKey)
	if err != nil {
		onEvent(providers.Event{Type: providers.EventError, Err: err})
		return err
	}

	stream := d.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	defer stream.Close()

	sentMeta := false
	for stream.Next() {
		chunk := stream.Current()
		if !sentMeta && chunk.ID != "" {
			onEvent(providers.Event{
				Type:  providers.EventMetadata,
				ID:    chunk.ID,
				Model: chunk.Model,
			})
			sentMeta = true
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.Delta.Content != "" {
			onEvent(providers.Event{
				Type:  providers.EventDelta,
				Delta: c.Delta.Content,
			})
		}
		if c.FinishReason != "" {
			onEvent(providers.Event{
				Type:         providers.EventDelta,
				FinishReason: c.FinishReason,
			})
		}
	}

	if err := stream.Err(); err != nil {
		derr := toDriverError(err)
		onEvent(providers.Event{Type: providers.EventError, Err: derr})
		return derr
	}

	onEvent(providers.Event{Type: providers.EventDone})
	return nil
}

// Embed implements providers.Embedder.
func (d *Driver) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	opts, err := d.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toDriverError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, e := range resp.Data {
		f32 := make([]float32, len(e.Embedding))
		for j, v := range e.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(e.Index), Embedding: f32}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func (d *Driver) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}
	return params
}

func (d *Driver) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = d.cfg.APIKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w", providers.ErrMissingAPIKey)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toDriverError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.NewDriverError(providerName, apierr.StatusCode, apierr.Error())
	}
	return err
}

// baseURLTransport rewrites request scheme/host (and prefixes path) so the
// SDK can target Azure-style or proxy endpoints.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}

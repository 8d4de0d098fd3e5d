// Package gemini implements the Google Gemini driver on the official GenAI
// SDK. Gemini has no system role and calls the assistant role "model"; the
// driver lifts system/developer messages into SystemInstruction and remaps
// roles.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/runestonehq/runestone/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
	providerName   = "gemini"
)

type Driver struct {
	cfg        providers.Config
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// New builds a Gemini driver. Returns an error when the SDK client cannot be
// constructed (the SDK validates credentials shape eagerly).
func New(ctx context.Context, cfg providers.Config) (*Driver, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.ProviderTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	d := &Driver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	d.base, d.apiVersion = splitBaseURLAndVersion(cfg.BaseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  d.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: d.base, APIVersion: d.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	d.client = client
	return d, nil
}

func (d *Driver) Info() providers.Info {
	models := providers.ModelsFor(providerName)
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Model
	}
	return providers.Info{
		Name:            providerName,
		Version:         "v1beta",
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
		return fmt.Errorf("gemini: %w", err)
	}
	return nil
}

func (d *Driver) EstimateCost(req *providers.Request) (float64, error) {
	cost, ok := providers.CostPer1KTokens(req.Model)
	if !ok {
		return 0, fmt.Errorf("gemini: %q: %w", req.Model, providers.ErrUnsupportedModel)
	}
	return cost, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toDriverError(err))
	}
	return nil
}

func (d *Driver) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := d.buildContentsAndConfig(req)
	client, err := d.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toDriverError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out, finish := "", ""
	var inTok, outTok int
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = translateFinishReason(string(resp.Candidates[0].FinishReason))
		}
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return &providers.Response{
		ID:           id,
		Model:        model,
		Content:      out,
		FinishReason: finish,
		Usage:        providers.Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

func (d *Driver) StreamChat(ctx context.Context, req *providers.Request, onEvent func(providers.Event)) error {
	contents, cfg := d.buildContentsAndConfig(req)
	client, err := d.clientForKey(ctx, req.APIKey)
	if err != nil {
		onEvent(providers.Event{Type: providers.EventError, Err: err})
		return err
	}

	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}

	sentMeta := false
	var usage providers.Usage
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			derr := toDriverError(err)
			onEvent(providers.Event{Type: providers.EventError, Err: derr})
			return derr
		}
		if resp == nil {
			continue
		}
		if !sentMeta {
			id := resp.ResponseID
			if id == "" {
				id = generateID()
			}
			onEvent(providers.Event{Type: providers.EventMetadata, ID: id, Model: model})
			sentMeta = true
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}

		c := resp.Candidates[0]
		if text := candidateText(c); text != "" {
			onEvent(providers.Event{Type: providers.EventDelta, Delta: text})
		}
		if c.FinishReason != "" {
			onEvent(providers.Event{
				Type:         providers.EventDelta,
				FinishReason: translateFinishReason(string(c.FinishReason)),
			})
		}
	}

	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		onEvent(providers.Event{Type: providers.EventMetadata, Usage: &usage})
	}
	onEvent(providers.Event{Type: providers.EventDone})
	return nil
}

// Embed implements providers.Embedder; all inputs go out in one batch call.
func (d *Driver) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	client, err := d.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toDriverError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: emb.Values}
	}

	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

func (d *Driver) buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 || len(req.Stop) > 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr(float32(req.Temperature))
		}
		if req.TopP > 0 {
			cfg.TopP = genai.Ptr(float32(req.TopP))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		if len(req.Stop) > 0 {
			cfg.StopSequences = req.Stop
		}
	}

	return contents, cfg
}

func (d *Driver) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = d.cfg.APIKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w", providers.ErrMissingAPIKey)
	}
	if key == d.cfg.APIKey {
		return d.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  d.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: d.base, APIVersion: d.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// translateFinishReason maps Gemini finish reasons to OpenAI finish reasons.
func translateFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toDriverError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewDriverError(providerName, apiErr.Code, apiErr.Message)
	}
	return err
}

// Package anthropic implements the Anthropic driver on top of the official
// SDK. System and developer messages are lifted out of the message list into
// the top-level system prompt, and Anthropic stream event names are
// translated into the neutral event union.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runestonehq/runestone/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-latest"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

type Driver struct {
	cfg    providers.Config
	client anthropic.Client
}

func New(cfg providers.Config) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.ProviderTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	return &Driver{
		cfg: cfg,
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
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
		},
	}
}

func (d *Driver) ValidateConfig(cfg providers.Config) error {
	if err := providers.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (d *Driver) EstimateCost(req *providers.Request) (float64, error) {
	cost, ok := providers.CostPer1KTokens(req.Model)
	if !ok {
		return 0, fmt.Errorf("anthropic: %q: %w", req.Model, providers.ErrUnsupportedModel)
	}
	return cost, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := d.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toDriverError(err))
	}
	return nil
}

func (d *Driver) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := d.buildParams(req)
	opts, err := d.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	msg, err := d.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toDriverError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: translateStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
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

	stream := d.client.Messages.NewStreaming(ctx, params, opts...)
	defer stream.Close()

	var usage providers.Usage
	for stream.Next() {
		ev := stream.Current()

		switch v := ev.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(v.Message.Usage.InputTokens)
			onEvent(providers.Event{
				Type:  providers.EventMetadata,
				ID:    v.Message.ID,
				Model: string(v.Message.Model),
			})
		case anthropic.ContentBlockDeltaEvent:
			switch dv := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if dv.Text != "" {
					onEvent(providers.Event{Type: providers.EventDelta, Delta: dv.Text})
				}
			case *anthropic.TextDelta:
				if dv.Text != "" {
					onEvent(providers.Event{Type: providers.EventDelta, Delta: dv.Text})
				}
			}
		case anthropic.MessageDeltaEvent:
			usage.OutputTokens = int(v.Usage.OutputTokens)
			if v.Delta.StopReason != "" {
				onEvent(providers.Event{
					Type:         providers.EventDelta,
					FinishReason: translateStopReason(string(v.Delta.StopReason)),
				})
			}
		case anthropic.MessageStopEvent:
			onEvent(providers.Event{Type: providers.EventMetadata, Usage: &usage})
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

func (d *Driver) buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// translateStopReason maps Anthropic stop reasons to OpenAI finish reasons.
func translateStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (d *Driver) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = d.cfg.APIKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w", providers.ErrMissingAPIKey)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toDriverError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.NewDriverError(providerName, apierr.StatusCode, apierr.Error())
	}
	return err
}

package provider

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// anthropicMessages is the slice of the Anthropic SDK the adapter
// calls, abstracted for tests.
type anthropicMessages interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	messages  anthropicMessages
	model     string
	maxTokens int
}

// NewAnthropicProvider builds the adapter from provider config.
func NewAnthropicProvider(cfg config.ProviderConfig) *AnthropicProvider {
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropicProvider(&client.Messages, cfg)
}

func newAnthropicProvider(messages anthropicMessages, cfg config.ProviderConfig) *AnthropicProvider {
	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{messages: messages, model: model, maxTokens: maxTokens}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Supports reports true for every kind; the chat models handle all of
// them. Capability filtering matters for specialized adapters.
func (p *AnthropicProvider) Supports(transform.Kind) bool { return true }

// Transform issues a non-streaming Messages.New call and concatenates
// the text blocks of the response.
func (p *AnthropicProvider) Transform(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Model:     sdk.Model(p.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	}

	msg, err := p.messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.E(errdefs.ErrTransient, "anthropic returned no text content")
	}
	return &Result{
		Text:      text,
		Model:     string(msg.Model),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *AnthropicProvider) classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return errdefs.Wrapf(classifyStatus(apierr.StatusCode), err, "anthropic")
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Wrap(errdefs.ErrCancelled, err)
	}
	return errdefs.Wrapf(errdefs.ErrTransient, err, "anthropic")
}

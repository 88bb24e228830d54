package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

const openaiDefaultModel = "gpt-4o"

// openaiCompletions is the slice of the OpenAI SDK the adapter calls,
// abstracted for tests.
type openaiCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider adapts the OpenAI Chat Completions API.
type OpenAIProvider struct {
	completions openaiCompletions
	model       string
	maxTokens   int
}

// NewOpenAIProvider builds the adapter from provider config.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newOpenAIProvider(&client.Chat.Completions, cfg)
}

func newOpenAIProvider(completions openaiCompletions, cfg config.ProviderConfig) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = openaiDefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIProvider{completions: completions, model: model, maxTokens: maxTokens}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Supports reports true for every kind, like the Anthropic adapter.
func (p *OpenAIProvider) Supports(transform.Kind) bool { return true }

// Transform issues one chat completion and returns the first choice.
func (p *OpenAIProvider) Transform(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:  messages,
		Model:     openai.ChatModel(p.model),
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = openai.Float(t)
	}

	completion, err := p.completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, errdefs.E(errdefs.ErrTransient, "openai returned no choices")
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.E(errdefs.ErrTransient, "openai returned empty content")
	}
	return &Result{
		Text:      text,
		Model:     completion.Model,
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
	}, nil
}

func (p *OpenAIProvider) classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return errdefs.Wrapf(classifyStatus(apierr.StatusCode), err, "openai")
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Wrap(errdefs.ErrCancelled, err)
	}
	return errdefs.Wrapf(errdefs.ErrTransient, err, "openai")
}

package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/task"
)

// Hosted backends are single request/response chat calls: no tools, no
// incremental output, one Completion event.

const (
	defaultAnthropicModel  = string(anthropic.ModelClaudeSonnet4_20250514)
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenRouterModel = "anthropic/claude-sonnet-4"

	openRouterBaseURL = "https://openrouter.ai/api/v1/"

	hostedMaxTokens = 8192
)

type anthropicBackend struct{}

func (anthropicBackend) Kind() task.BackendKind { return task.BackendAnthropic }

func (anthropicBackend) SupportsLiveFeedback() bool { return false }

func (anthropicBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	client := anthropic.NewClient(anthropicopt.WithAPIKey(req.APIKey))

	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: hostedMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "anthropic request failed", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens
	emit(Completion(b.String(), string(msg.Model), tokens))
	return nil
}

// openaiBackend serves both the OpenAI and OpenRouter kinds; OpenRouter is
// the same chat-completions wire with a different base URL.
type openaiBackend struct {
	kind task.BackendKind
}

func (b openaiBackend) Kind() task.BackendKind { return b.kind }

func (openaiBackend) SupportsLiveFeedback() bool { return false }

func (b openaiBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(req.APIKey)}
	model := req.Model
	if b.kind == task.BackendOpenRouter {
		opts = append(opts, openaiopt.WithBaseURL(openRouterBaseURL))
		if model == "" {
			model = defaultOpenRouterModel
		}
	} else if model == "" {
		model = defaultOpenAIModel
	}
	client := openai.NewClient(opts...)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, fmt.Sprintf("%s request failed", b.kind), err)
	}
	if len(resp.Choices) == 0 {
		return apperr.Newf(apperr.KindBackendFailure, "%s returned no choices", b.kind)
	}

	emit(Completion(resp.Choices[0].Message.Content, resp.Model, resp.Usage.TotalTokens))
	return nil
}

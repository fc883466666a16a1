package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/pkg/models"
)

// DefaultOpenAIModel is used when the request does not name a model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI streams completions from the OpenAI Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string

	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewOpenAI creates an OpenAI stream source.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

// Stream opens one streaming invocation. OpenAI interleaves tool-call
// argument fragments by index; each index becomes one tool call with its own
// start/delta/end sequence.
func (o *OpenAI) Stream(ctx context.Context, req *engine.ModelRequest) (<-chan engine.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	events := make(chan engine.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		// Tool call ids by stream index; started tracks emitted starts.
		ids := make(map[int]string)
		started := make(map[int]bool)
		ended := make(map[int]bool)
		var usage models.Usage
		finishReason := ""

		endOpenCalls := func() {
			for idx, id := range ids {
				if started[idx] && !ended[idx] {
					ended[idx] = true
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputEnd,
						ToolCallID: id,
					}
				}
			}
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					endOpenCalls()
					u := usage
					events <- engine.StreamEvent{
						Type:         engine.StreamFinish,
						FinishReason: finishReason,
						Usage:        &u,
					}
					return
				}
				events <- engine.StreamEvent{Err: err}
				return
			}

			if response.Usage != nil {
				usage.InputTokens = response.Usage.PromptTokens
				usage.OutputTokens = response.Usage.CompletionTokens
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.Delta.Content != "" {
				events <- engine.StreamEvent{Type: engine.StreamTextDelta, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if tc.ID != "" {
					ids[index] = tc.ID
				}
				id := ids[index]
				if id == "" {
					continue
				}
				if !started[index] {
					started[index] = true
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputStart,
						ToolCallID: id,
						ToolName:   tc.Function.Name,
					}
				}
				if tc.Function.Arguments != "" {
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputDelta,
						ToolCallID: id,
						Fragment:   tc.Function.Arguments,
					}
				}
			}

			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
				if choice.FinishReason == openai.FinishReasonToolCalls {
					endOpenCalls()
				}
			}
		}
	}()

	return events, nil
}

func convertOpenAIMessages(messages []engine.ModelMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			// Each tool result becomes its own tool-role message.
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.ToolName,
						Arguments: string(call.Arguments),
					},
				})
			}
			result = append(result, out)
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []engine.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}

// Package providers adapts model APIs to the engine's stream source
// interface. Each adapter converts its SDK's event stream into the engine's
// typed events, including streamed tool-call arguments.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/pkg/models"
)

// DefaultAnthropicModel is used when the request does not name a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive events that carry no payload before
// the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewAnthropic creates an Anthropic stream source.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Stream opens one streaming invocation. Tool-call arguments are forwarded as
// raw fragments; the engine's stream processor accumulates and parses them.
func (a *Anthropic) Stream(ctx context.Context, req *engine.ModelRequest) (<-chan engine.StreamEvent, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan engine.StreamEvent)
	go func() {
		defer close(events)

		stream := a.client.Messages.NewStreaming(ctx, *params)

		var usage models.Usage
		currentToolID := ""
		emptyEvents := 0

		for stream.Next() {
			event := stream.Current()
			processed := true

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentToolID = toolUse.ID
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputStart,
						ToolCallID: toolUse.ID,
						ToolName:   toolUse.Name,
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text == "" {
						processed = false
						break
					}
					events <- engine.StreamEvent{Type: engine.StreamTextDelta, Text: delta.Text}
				case "thinking_delta":
					if delta.Thinking == "" {
						processed = false
						break
					}
					events <- engine.StreamEvent{Type: engine.StreamReasoningDelta, Text: delta.Thinking}
				case "input_json_delta":
					if delta.PartialJSON == "" || currentToolID == "" {
						processed = false
						break
					}
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputDelta,
						ToolCallID: currentToolID,
						Fragment:   delta.PartialJSON,
					}
				default:
					processed = false
				}

			case "content_block_stop":
				if currentToolID != "" {
					events <- engine.StreamEvent{
						Type:       engine.StreamToolInputEnd,
						ToolCallID: currentToolID,
					}
					currentToolID = ""
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(delta.Usage.OutputTokens)
				}

			case "message_stop":
				u := usage
				events <- engine.StreamEvent{
					Type:         engine.StreamFinish,
					FinishReason: "stop",
					Usage:        &u,
				}
				return

			case "error":
				events <- engine.StreamEvent{Err: errors.New("anthropic: stream error")}
				return

			default:
				processed = false
			}

			if processed {
				emptyEvents = 0
				continue
			}
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				events <- engine.StreamEvent{
					Err: fmt.Errorf("anthropic: stream malformed: %d consecutive empty events", emptyEvents),
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			events <- engine.StreamEvent{Err: err}
			return
		}
		if ctx.Err() != nil {
			events <- engine.StreamEvent{Err: ctx.Err()}
		}
	}()

	return events, nil
}

func (a *Anthropic) buildParams(req *engine.ModelRequest) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []engine.ModelMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid arguments for tool call %s: %w", call.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.ToolName))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []engine.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

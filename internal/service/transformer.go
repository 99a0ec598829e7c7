package service

import (
	"encoding/json"
	"fmt"

	"github.com/user/llm-router-go/internal/models"
)

// Transformer converts an inbound request body to the target provider's
// wire format. Conversion is pure; endpoint and credentials are the protocol
// layer's concern.
type Transformer struct{}

// NewTransformer creates a Transformer.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// AnthropicToOpenAI converts an Anthropic Messages request into the OpenAI
// chat-completions shape, targeting the decision's selected model. An empty
// result is never returned; conversion failures surface as ProviderFailure.
func (t *Transformer) AnthropicToOpenAI(req *models.AnthropicRequest, targetModel string) (*models.OpenAIRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, models.NewRouterError(models.ErrProviderFailure, "transformer: empty source request")
	}

	out := &models.OpenAIRequest{
		Model:       targetModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if !req.System.IsEmpty() {
		out.Messages = append(out.Messages, models.OpenAIMessage{
			Role:    "system",
			Content: req.System.String(),
		})
	}

	for _, msg := range req.Messages {
		converted, err := convertAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, models.OpenAITool{
			Type: "function",
			Function: models.OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	if out.Model == "" || len(out.Messages) == 0 {
		return nil, models.NewRouterError(models.ErrProviderFailure, "transformer: produced empty target request")
	}
	return out, nil
}

// convertAnthropicMessage flattens one Anthropic message into one or more
// OpenAI messages: tool_use blocks become assistant tool_calls, tool_result
// blocks become tool-role messages.
func convertAnthropicMessage(msg models.AnthropicMessage) ([]models.OpenAIMessage, error) {
	blocks := msg.Content.GetBlocks()
	if len(blocks) == 0 {
		return []models.OpenAIMessage{{Role: msg.Role, Content: ""}}, nil
	}

	var out []models.OpenAIMessage
	current := models.OpenAIMessage{Role: msg.Role}
	var textAccum string

	flush := func() {
		if textAccum != "" || len(current.ToolCalls) > 0 {
			current.Content = textAccum
			out = append(out, current)
			current = models.OpenAIMessage{Role: msg.Role}
			textAccum = ""
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textAccum += b.Text
		case "image":
			// OpenAI-compatible targets here run text-only chat; image
			// sources are summarized rather than dropped silently.
			textAccum += "[image omitted]"
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, models.Errorf(models.ErrProviderFailure,
					"transformer: tool_use input for %s: %v", b.Name, err)
			}
			current.ToolCalls = append(current.ToolCalls, models.OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: models.OpenAIFunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case "tool_result":
			flush()
			out = append(out, models.OpenAIMessage{
				Role:       "tool",
				Content:    toolResultText(b.Content),
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, models.Errorf(models.ErrProviderFailure,
				"transformer: unsupported content block type %q", b.Type)
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, models.OpenAIMessage{Role: msg.Role, Content: ""})
	}
	return out, nil
}

// toolResultText renders a tool_result payload as a string.
func toolResultText(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// convertToolChoice maps Anthropic tool_choice to the OpenAI shape:
// auto -> "auto", any -> "required", {type:tool,name} -> named function.
func convertToolChoice(tc *models.ToolChoice) interface{} {
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return models.NamedToolChoice(tc.Name)
	default:
		return "auto"
	}
}

// OpenAIToAnthropic converts an OpenAI chat-completions request into the
// Anthropic Messages shape for anthropic-native targets.
func (t *Transformer) OpenAIToAnthropic(req *models.OpenAIRequest, targetModel string) (*models.AnthropicRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, models.NewRouterError(models.ErrProviderFailure, "transformer: empty source request")
	}

	out := &models.AnthropicRequest{
		Model:         targetModel,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			out.System = &models.SystemPrompt{Text: msg.Content}
		case "tool":
			out.Messages = append(out.Messages, models.AnthropicMessage{
				Role: "user",
				Content: models.MessageContent{
					IsArray: true,
					Blocks: []models.ContentBlock{{
						Type:      "tool_result",
						ToolUseID: msg.ToolCallID,
						Content:   msg.Content,
					}},
				},
			})
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out.Messages = append(out.Messages, models.AnthropicMessage{
					Role:    "assistant",
					Content: models.MessageContent{Text: msg.Content},
				})
				continue
			}
			var blocks []models.ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, models.ContentBlock{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				var input interface{}
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					input = call.Function.Arguments
				}
				blocks = append(blocks, models.ContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, models.AnthropicMessage{
				Role:    "assistant",
				Content: models.MessageContent{IsArray: true, Blocks: blocks},
			})
		default:
			out.Messages = append(out.Messages, models.AnthropicMessage{
				Role:    msg.Role,
				Content: models.MessageContent{Text: msg.Content},
			})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, models.AnthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	switch tc := models.ToolChoiceString(req.ToolChoice); tc {
	case "auto":
		out.ToolChoice = &models.ToolChoice{Type: "auto"}
	case "required":
		out.ToolChoice = &models.ToolChoice{Type: "any"}
	case "":
		if m, ok := req.ToolChoice.(map[string]interface{}); ok {
			if fn, ok := m["function"].(map[string]interface{}); ok {
				if name, ok := fn["name"].(string); ok {
					out.ToolChoice = &models.ToolChoice{Type: "tool", Name: name}
				}
			}
		}
	}

	if len(out.Messages) == 0 {
		return nil, models.NewRouterError(models.ErrProviderFailure, "transformer: produced empty target request")
	}
	return out, nil
}

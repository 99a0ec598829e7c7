package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/user/llm-router-go/internal/models"
)

// ResponseTransformer converts a successful provider response back to the
// caller's protocol. Error responses are never transformed; the orchestrator
// forwards them shaped for the caller at its single boundary.
type ResponseTransformer struct{}

// NewResponseTransformer creates a ResponseTransformer.
func NewResponseTransformer() *ResponseTransformer {
	return &ResponseTransformer{}
}

// OpenAIToAnthropic maps an OpenAI chat-completions response into the
// Anthropic message envelope for /v1/messages callers.
func (t *ResponseTransformer) OpenAIToAnthropic(resp *models.OpenAIResponse, modelEcho string) (*models.AnthropicResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, models.NewRouterError(models.ErrProviderFailure, "response transformer: no choices in provider response")
	}
	choice := resp.Choices[0]

	out := &models.AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: modelEcho,
		Usage: models.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.ID == "" {
		out.ID = "msg_" + uuid.New().String()
	}

	if choice.Message.Content != "" {
		out.Content = append(out.Content, models.ContentBlock{
			Type: "text",
			Text: choice.Message.Content,
		})
	}
	for _, call := range choice.Message.ToolCalls {
		var input interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
			// Arguments that are not valid JSON pass through as a string.
			input = call.Function.Arguments
		}
		out.Content = append(out.Content, models.ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	out.StopReason = mapFinishReason(choice.FinishReason)
	return out, nil
}

// mapFinishReason maps OpenAI finish_reason to Anthropic stop_reason.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop", "content_filter", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// AnthropicToOpenAI performs the symmetric mapping for /v1/chat/completions
// callers whose request landed on an anthropic-native provider.
func (t *ResponseTransformer) AnthropicToOpenAI(resp *models.AnthropicResponse, modelEcho string) (*models.OpenAIResponse, error) {
	if resp == nil {
		return nil, models.NewRouterError(models.ErrProviderFailure, "response transformer: nil provider response")
	}

	msg := models.OpenAIMessage{Role: "assistant"}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msg.Content += b.Text
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", b.Input)))
			}
			msg.ToolCalls = append(msg.ToolCalls, models.OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: models.OpenAIFunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}
	return &models.OpenAIResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelEcho,
		Choices: []models.OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: models.OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// mapStopReason maps Anthropic stop_reason to OpenAI finish_reason.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

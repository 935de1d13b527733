package openai

import (
	"testing"

	gopenai "github.com/sashabaranov/go-openai"

	"ChainChat/internal/llm"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestBuildChatRequestAssemblesMessages(t *testing.T) {
	req := llm.ChatRequest{
		System: "你是一个加密资产助手",
		Prompt: "SOL 现在多少钱？",
		History: []llm.HistoryEntry{
			{Role: llm.RoleUser, Content: "你好"},
			{Role: llm.RoleAssistant, Content: "你好，有什么可以帮你？"},
		},
		Tools: []llm.Tool{{
			Name:        "get_token_price",
			Description: "查询代币价格",
			Parameters:  map[string]any{"type": "object"},
		}},
		ForceJSON: true,
	}

	apiReq := buildChatRequest(req, "gpt-4o-mini")
	if apiReq.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model: %s", apiReq.Model)
	}
	if len(apiReq.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(apiReq.Messages))
	}
	if apiReq.Messages[0].Role != gopenai.ChatMessageRoleSystem {
		t.Fatalf("expected system message first, got %s", apiReq.Messages[0].Role)
	}
	if apiReq.Messages[3].Content != "SOL 现在多少钱？" {
		t.Fatalf("expected user prompt last, got %q", apiReq.Messages[3].Content)
	}
	if len(apiReq.Tools) != 1 || apiReq.Tools[0].Function.Name != "get_token_price" {
		t.Fatalf("tool definition not converted: %+v", apiReq.Tools)
	}
	if apiReq.ResponseFormat == nil || apiReq.ResponseFormat.Type != gopenai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected JSON response format")
	}
}

func TestConvertChatResponseExtractsToolCalls(t *testing.T) {
	msg := gopenai.ChatCompletionMessage{
		ToolCalls: []gopenai.ToolCall{{
			ID:   "call_1",
			Type: gopenai.ToolTypeFunction,
			Function: gopenai.FunctionCall{
				Name:      "get_token_price",
				Arguments: `{"address":"0xabc"}`,
			},
		}},
	}
	resp := convertChatResponse(msg)
	if !resp.HasToolCalls() {
		t.Fatalf("expected tool calls")
	}
	if resp.ToolCalls[0].Name != "get_token_price" || resp.ToolCalls[0].ArgumentsJSON != `{"address":"0xabc"}` {
		t.Fatalf("unexpected tool call: %+v", resp.ToolCalls[0])
	}
}

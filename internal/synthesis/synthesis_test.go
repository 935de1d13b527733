package synthesis

import (
	"context"
	"strings"
	"testing"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/tools"
)

type stubLLM struct {
	resp    *llm.ChatResponse
	err     error
	lastReq llm.ChatRequest
}

func (s *stubLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func (s *stubLLM) Embed(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func TestSynthesizeParsesContract(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{
		Content: `{"reply":"SOL trades at $150.50.","actionData":{"price_usd":150.5},"source":"tools"}`,
	}}
	synthesizer := NewSynthesizer(client)

	output, err := synthesizer.Synthesize(context.Background(), "price of sol?", "", []tools.Result{
		{Name: "get_token_price", Success: true, Data: map[string]any{"price_usd": 150.5}},
	})
	if err != nil {
		t.Fatalf("合成失败: %v", err)
	}
	if output.Reply != "SOL trades at $150.50." {
		t.Errorf("回复解析异常: %q", output.Reply)
	}
	if output.Source != "tools" {
		t.Errorf("来源解析异常: %q", output.Source)
	}
	if output.ActionData["price_usd"] != 150.5 {
		t.Errorf("actionData 解析异常: %+v", output.ActionData)
	}

	if !client.lastReq.ForceJSON {
		t.Error("合成调用必须启用 JSON 模式")
	}
	if !strings.Contains(client.lastReq.Prompt, "get_token_price") {
		t.Error("提示词应包含工具结果")
	}
}

func TestSynthesizeContractViolationFallsBack(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{
		Content: "SOL is at $150, not valid json",
	}}
	synthesizer := NewSynthesizer(client)

	output, err := synthesizer.Synthesize(context.Background(), "price of sol?", "", nil)
	if err != nil {
		t.Fatalf("契约违反应降级而非报错: %v", err)
	}
	if output.Source != SourceFallback {
		t.Errorf("期望 fallback 来源，实际 %q", output.Source)
	}
	if output.Reply != "SOL is at $150, not valid json" {
		t.Errorf("降级回复应保留原始文本: %q", output.Reply)
	}
	if output.ActionData["error"] == nil || output.ActionData["raw"] == nil {
		t.Errorf("降级输出应携带诊断信息: %+v", output.ActionData)
	}
}

func TestSynthesizeFallbackPrefersMainContent(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{
		Content: "```json not even close```",
	}}
	synthesizer := NewSynthesizer(client)

	output, err := synthesizer.Synthesize(context.Background(), "price of sol?",
		"SOL is trading at $150 right now.", nil)
	if err != nil {
		t.Fatalf("契约违反应降级而非报错: %v", err)
	}
	if output.Reply != "SOL is trading at $150 right now." {
		t.Errorf("降级回复应优先使用主会话内容: %q", output.Reply)
	}
	if output.Source != SourceFallback {
		t.Errorf("期望 fallback 来源，实际 %q", output.Source)
	}
	if output.ActionData["raw"] != "```json not even close```" {
		t.Errorf("诊断信息应保留合成原始输出: %+v", output.ActionData)
	}
}

func TestSynthesizeMissingReplyFallsBack(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{
		Content: `{"actionData":{},"source":"tools"}`,
	}}
	synthesizer := NewSynthesizer(client)

	output, err := synthesizer.Synthesize(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("缺少 reply 应降级而非报错: %v", err)
	}
	if output.Source != SourceFallback {
		t.Errorf("期望 fallback 来源，实际 %q", output.Source)
	}
}

func TestSynthesizeUnknownSourceNormalized(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{
		Content: `{"reply":"hello","source":"vibes"}`,
	}}
	synthesizer := NewSynthesizer(client)

	output, err := synthesizer.Synthesize(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("合成失败: %v", err)
	}
	if output.Source != "model" {
		t.Errorf("未知来源应归一为 model，实际 %q", output.Source)
	}
}

func TestSynthesizeLLMErrorPropagates(t *testing.T) {
	client := &stubLLM{err: xerrors.New(xerrors.CodeExternalService, "模型不可用")}
	synthesizer := NewSynthesizer(client)

	if _, err := synthesizer.Synthesize(context.Background(), "hi", "", nil); err == nil {
		t.Fatal("模型失败应向上返回错误")
	}
}

func TestPromptListsFailedTools(t *testing.T) {
	client := &stubLLM{resp: &llm.ChatResponse{Content: `{"reply":"ok","source":"model"}`}}
	synthesizer := NewSynthesizer(client)

	_, err := synthesizer.Synthesize(context.Background(), "hi", "", []tools.Result{
		{Name: "get_token_price", Success: false, Error: "行情服务不可用"},
	})
	if err != nil {
		t.Fatalf("合成失败: %v", err)
	}
	if !strings.Contains(client.lastReq.Prompt, "failed") {
		t.Error("失败的工具结果也应出现在提示词中")
	}
}

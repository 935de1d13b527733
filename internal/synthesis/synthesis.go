// Package synthesis 将工具结果合成为最终回复。
// 合成调用强制 JSON 输出，契约为 {reply, actionData, source}。
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/tools"
	"ChainChat/pkg/logger"
)

const synthesisSystem = `You write the final reply of a crypto assistant.
You are given the user's message and the results of the tool calls that ran.
Reply with JSON only, exactly this shape:
{"reply": "<the message shown to the user>", "actionData": {<key facts from tool results>}, "source": "<tools|memory|model>"}
The reply must answer the user directly and cite numbers from the tool results.
Set source to "tools" when tool results informed the answer, "memory" when stored
memory did, and "model" otherwise. Never wrap the JSON in markdown fences.`

// Output 是一次合成的产出。契约被违反时 Source 为 fallback，
// ActionData 携带诊断信息。
type Output struct {
	Reply      string         `json:"reply"`
	ActionData map[string]any `json:"actionData,omitempty"`
	Source     string         `json:"source"`
}

// SourceFallback 标记合成契约被违反后的降级输出。
const SourceFallback = "fallback"

// Synthesizer 负责最终回复的合成。
type Synthesizer struct {
	client llm.Client
}

// NewSynthesizer 创建合成器。
func NewSynthesizer(client llm.Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize 基于工具结果生成最终回复。mainContent 是主会话自带的
// 文本内容，契约被违反时优先作为降级回复。
// 模型调用失败向上返回错误；违反输出契约只降级，不算失败。
func (s *Synthesizer) Synthesize(ctx context.Context, userMessage, mainContent string, results []tools.Result) (*Output, error) {
	prompt := buildSynthesisPrompt(userMessage, results)

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		System:    synthesisSystem,
		Prompt:    prompt,
		ForceJSON: true,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "合成调用失败")
	}

	output, violation := parseOutput(resp.Content)
	if violation != nil {
		logger.L().Warn("合成输出违反契约，降级为主会话内容",
			slog.Any("error", violation),
			slog.String("raw", truncateForLog(resp.Content)))
		return fallbackOutput(mainContent, resp.Content, violation), nil
	}
	return output, nil
}

func buildSynthesisPrompt(userMessage string, results []tools.Result) string {
	var sb strings.Builder
	sb.WriteString("User message:\n")
	sb.WriteString(userMessage)
	sb.WriteString("\n\nTool results:\n")
	if len(results) == 0 {
		sb.WriteString("(no tools were called)\n")
	}
	for _, result := range results {
		if result.Success {
			data, err := json.Marshal(result.Data)
			if err != nil {
				data = []byte("{}")
			}
			fmt.Fprintf(&sb, "- %s: %s\n", result.Name, data)
		} else {
			fmt.Fprintf(&sb, "- %s failed: %s\n", result.Name, result.Error)
		}
	}
	return sb.String()
}

func parseOutput(content string) (*Output, error) {
	var output Output
	if err := json.Unmarshal([]byte(content), &output); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisContract, err, "合成输出不是合法 JSON")
	}
	if strings.TrimSpace(output.Reply) == "" {
		return nil, xerrors.New(xerrors.CodeSynthesisContract, "合成输出缺少 reply 字段")
	}
	switch output.Source {
	case "tools", "memory", "model":
	default:
		output.Source = "model"
	}
	return &output, nil
}

// fallbackOutput 优先用主会话内容作为降级回复，其次是合成原始文本，
// 两者皆空时退回固定致歉语。诊断信息始终携带原始输出。
func fallbackOutput(mainContent, raw string, violation error) *Output {
	reply := strings.TrimSpace(mainContent)
	if reply == "" {
		reply = strings.TrimSpace(raw)
	}
	if reply == "" {
		reply = "Sorry, I could not put together an answer this time."
	}
	return &Output{
		Reply:  reply,
		Source: SourceFallback,
		ActionData: map[string]any{
			"error": violation.Error(),
			"raw":   raw,
		},
	}
}

func truncateForLog(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

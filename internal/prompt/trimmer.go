package prompt

import (
	"unicode/utf8"

	"ChainChat/internal/llm"
)

// EstimateTokens 用 字符数/4 估算文本的令牌数，向上取整。
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TrimResult 描述一次裁剪的输出。
type TrimResult struct {
	System  string
	Prompt  string
	History []llm.HistoryEntry
	// Trimmed 表示发生过任何形式的裁剪。
	Trimmed bool
	// Truncated 表示历史丢弃后仍超预算，系统与用户提示词被截断。
	Truncated bool
}

// Trimmer 将上下文裁剪到令牌预算内。
// 优先丢弃最旧的历史消息，历史清空后按比例截断系统与用户提示词，
// 任何小节都不会被截到 MinSectionChars 以下。
type Trimmer struct {
	Budget          int
	MinSectionChars int
}

// NewTrimmer 创建裁剪器，非法参数回落到默认值。
func NewTrimmer(budget, minSectionChars int) *Trimmer {
	if budget <= 0 {
		budget = 6000
	}
	if minSectionChars <= 0 {
		minSectionChars = 200
	}
	return &Trimmer{Budget: budget, MinSectionChars: minSectionChars}
}

// Trim 在预算内返回尽可能多的上下文。已在预算内时原样返回。
func (t *Trimmer) Trim(system, prompt string, history []llm.HistoryEntry) TrimResult {
	result := TrimResult{System: system, Prompt: prompt, History: history}
	if t.total(result) <= t.Budget {
		return result
	}
	result.Trimmed = true

	// 先从最旧的历史开始丢弃。
	for len(result.History) > 0 && t.total(result) > t.Budget {
		result.History = result.History[1:]
	}
	if t.total(result) <= t.Budget {
		return result
	}

	// 历史已清空仍超预算，按比例截断两个提示词小节。
	result.Truncated = true
	budgetChars := t.Budget * 4
	totalChars := len(result.System) + len(result.Prompt)
	if totalChars == 0 {
		return result
	}

	systemChars := budgetChars * len(result.System) / totalChars
	promptChars := budgetChars - systemChars
	result.System = truncateWithFloor(result.System, systemChars, t.MinSectionChars)
	result.Prompt = truncateWithFloor(result.Prompt, promptChars, t.MinSectionChars)
	return result
}

// historyEntryOverhead 是每条历史消息的固定开销（角色与分隔符）。
const historyEntryOverhead = 4

func (t *Trimmer) total(r TrimResult) int {
	total := EstimateTokens(r.System) + EstimateTokens(r.Prompt)
	for _, entry := range r.History {
		total += historyEntryOverhead + EstimateTokens(entry.Content)
	}
	return total
}

func truncateWithFloor(text string, limit, floor int) string {
	if limit < floor {
		limit = floor
	}
	if len(text) <= limit {
		return text
	}
	// 避免截断在多字节字符中间。
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

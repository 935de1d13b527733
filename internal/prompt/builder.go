// Package prompt 负责组装主会话的提示词，并在超出令牌预算时裁剪上下文。
package prompt

import (
	"fmt"
	"strings"

	"ChainChat/internal/catalog"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/vector"
)

const baseInstructions = `You are ChainChat, a crypto market assistant.
You answer questions about tokens, prices, wallets and on-chain data.
Use the available tools to fetch live data instead of guessing.
When you learn a durable fact about the user, store it with the memory tools.
Keep replies concise and factual. Never invent prices or addresses.`

// Input 汇总一次主会话所需的全部上下文素材。
// 记忆与实体字段为空时对应小节不会出现在提示词里。
type Input struct {
	UserMessage   string
	MemoryItems   []*mysql.MemoryItem
	MemoryObjects []*mysql.MemoryObject
	MemoryHits    []vector.Hit
	Entities      []catalog.Token
}

// Build 渲染系统提示词与用户提示词。
func Build(in Input) (system string, prompt string) {
	var sb strings.Builder
	sb.WriteString(baseInstructions)

	if len(in.MemoryItems) > 0 || len(in.MemoryObjects) > 0 {
		sb.WriteString("\n\n## Known facts about the user\n")
		for _, item := range in.MemoryItems {
			fmt.Fprintf(&sb, "- %s: %s\n", item.Key, item.Value)
		}
		for _, obj := range in.MemoryObjects {
			fmt.Fprintf(&sb, "- %s %q: %s\n", obj.ObjectType, obj.Name, obj.PayloadJSON)
		}
	}

	if len(in.MemoryHits) > 0 {
		sb.WriteString("\n\n## Relevant earlier messages\n")
		for _, hit := range in.MemoryHits {
			fmt.Fprintf(&sb, "- %s\n", hit.Text)
		}
	}

	if len(in.Entities) > 0 {
		sb.WriteString("\n\n## Resolved token candidates\n")
		sb.WriteString("The user's message mentions tokens resolved to these candidates, best match first.\n")
		sb.WriteString("Prefer the first candidate unless the conversation clearly points elsewhere.\n")
		for _, token := range in.Entities {
			fmt.Fprintf(&sb, "- %s\n", token.Document())
		}
	}

	return sb.String(), in.UserMessage
}

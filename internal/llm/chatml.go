package llm

import (
	"strings"

	"pocketd/pkg/types"
)

// ChatMLStop ends an assistant turn in ChatML-formatted prompts.
const ChatMLStop = "<|im_end|>"

// FormatChatML renders messages as a ChatML prompt ending with an open
// assistant turn, for runtimes that take raw text.
func FormatChatML(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("<|im_start|>")
		b.WriteString(string(m.Role))
		b.WriteByte('\n')
		b.WriteString(m.Content)
		b.WriteString(ChatMLStop)
		b.WriteByte('\n')
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

package agent

import "github.com/PipeOpsHQ/flowexec/types"

// Window bounds the conversation sent to the provider. Zero fields disable
// the matching limit. Token counts are estimated at four bytes per token.
type Window struct {
	MaxMessages int
	MaxTokens   int
}

// Trim keeps system messages and the newest messages that fit. The kept tail
// never starts with a tool result whose call was dropped, and the last
// message always survives.
func (w Window) Trim(messages []types.Message) []types.Message {
	if len(messages) == 0 || (w.MaxMessages <= 0 && w.MaxTokens <= 0) {
		return messages
	}

	system := make([]types.Message, 0)
	rest := make([]types.Message, 0, len(messages))
	budget := w.MaxTokens
	for _, m := range messages {
		if m.Kind == types.KindSystem {
			system = append(system, m)
			budget -= estimateTokens(m)
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) == 0 {
		return system
	}

	start := len(rest) - 1
	used := estimateTokens(rest[start])
	for start > 0 {
		if w.MaxMessages > 0 && len(rest)-start+len(system) >= w.MaxMessages {
			break
		}
		next := estimateTokens(rest[start-1])
		if w.MaxTokens > 0 && used+next > budget {
			break
		}
		used += next
		start--
	}
	for start < len(rest)-1 && rest[start].Kind == types.KindTool {
		start++
	}

	return append(system, rest[start:]...)
}

func estimateTokens(m types.Message) int {
	n := len(m.Content) + len(m.Reasoning)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n/4 + 4
}

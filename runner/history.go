package runner

import (
	"slices"

	"github.com/PipeOpsHQ/flowexec/types"
)

// SelectHistory picks the prior messages an execution carries forward.
// HistoryInput keeps earlier user questions only. Unknown policies behave
// like HistoryAll.
func SelectHistory(messages []types.Message, policy types.HistoryPolicy) []types.Message {
	switch policy {
	case types.HistoryNone:
		return nil
	case types.HistoryLast:
		if len(messages) == 0 {
			return nil
		}
		return []types.Message{messages[len(messages)-1]}
	case types.HistoryInput:
		out := make([]types.Message, 0, len(messages))
		for _, m := range messages {
			if m.Kind == types.KindHuman {
				out = append(out, m)
			}
		}
		return out
	default:
		return slices.Clone(messages)
	}
}

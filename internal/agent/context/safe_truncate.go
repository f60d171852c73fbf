package context

import "github.com/haasonsaas/nexus/pkg/models"

// SafeTruncationStart adjusts a proposed cut index so that a chronological
// slice starting there never opens with an orphaned tool result: a
// models.RoleTool message whose paired tool_use lives in the message being
// cut away. It walks forward from desiredStart past any RoleTool messages,
// returning the index of the first safe (non-RoleTool) message. If every
// remaining message is RoleTool (no safe point exists), it returns 0,
// keeping the whole slice rather than producing an invalid cut.
func SafeTruncationStart(messages []*models.Message, desiredStart int) int {
	if desiredStart <= 0 || desiredStart >= len(messages) {
		return desiredStart
	}
	for i := desiredStart; i < len(messages); i++ {
		if messages[i] == nil || messages[i].Role != models.RoleTool {
			return i
		}
	}
	return 0
}

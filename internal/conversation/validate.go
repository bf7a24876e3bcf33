package conversation

import (
	"fmt"
	"sort"
)

// ValidateTranscript checks the tool-call pairing invariant: every tool
// result answers a call id emitted by an assistant message that is still
// outstanding, call ids are non-empty and unique within their message, and
// no new turn starts while calls remain unanswered. A transcript that ends
// with unanswered calls is also rejected.
func ValidateTranscript(msgs []Message) error {
	pending := make(map[string]struct{})

	for i, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleHuman:
			if len(pending) > 0 {
				return fmt.Errorf("conversation: message %d (%s) while calls %v are unanswered: %w",
					i, m.Role, sortedIDs(pending), ErrToolCallMismatch)
			}
		case RoleAssistant:
			if len(pending) > 0 {
				return fmt.Errorf("conversation: assistant message %d while calls %v are unanswered: %w",
					i, sortedIDs(pending), ErrToolCallMismatch)
			}
			if err := checkCallIDs(m.ToolCalls); err != nil {
				return fmt.Errorf("conversation: assistant message %d: %w", i, err)
			}
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = struct{}{}
			}
		case RoleTool:
			if _, ok := pending[m.ToolCallID]; !ok {
				return fmt.Errorf("conversation: tool result %d answers unknown call %q: %w",
					i, m.ToolCallID, ErrToolCallMismatch)
			}
			delete(pending, m.ToolCallID)
		default:
			return fmt.Errorf("conversation: message %d has unknown role %q", i, m.Role)
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("conversation: calls %v are unanswered: %w", sortedIDs(pending), ErrToolCallMismatch)
	}
	return nil
}

// checkCallIDs rejects empty or duplicated call ids within one message.
func checkCallIDs(calls []ToolCall) error {
	seen := make(map[string]struct{}, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			return fmt.Errorf("tool call %d (%s) has no id: %w", i, tc.Name, ErrToolCallMismatch)
		}
		if _, dup := seen[tc.ID]; dup {
			return fmt.Errorf("tool call id %q repeated: %w", tc.ID, ErrToolCallMismatch)
		}
		seen[tc.ID] = struct{}{}
	}
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

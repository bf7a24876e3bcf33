// Package budget provides token budget estimation and transcript trimming.
// Because ragent supports multiple LLM backends with different tokenizers,
// this package uses a conservative character-based heuristic:
// 1 token ≈ 4 characters (English prose and code).
package budget

import (
	"github.com/54b3r/ragent/internal/conversation"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// perMessageOverhead approximates the framing tokens most chat APIs add
	// around each message.
	perMessageOverhead = 4
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for msgs,
// counting role, content, and any tool call names and arguments.
func EstimateMessages(msgs []conversation.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
		for _, tc := range m.ToolCalls {
			total += Estimate(tc.Name) + Estimate(tc.Arguments)
		}
	}
	return total
}

// FitTranscript drops the oldest complete prior turns from msgs until the
// estimated token count fits within maxTokens. A turn starts at a human
// message and runs to the next one, so tool calls and their results are
// always dropped together. Leading system messages and the current (last)
// turn are never dropped; if they alone exceed the budget they are returned
// as-is. The second return value is the number of messages removed.
func FitTranscript(msgs []conversation.Message, maxTokens int) ([]conversation.Message, int) {
	if maxTokens <= 0 || EstimateMessages(msgs) <= maxTokens {
		return msgs, 0
	}

	prefix := 0
	for prefix < len(msgs) && msgs[prefix].Role == conversation.RoleSystem {
		prefix++
	}

	var starts []int
	for i := prefix; i < len(msgs); i++ {
		if msgs[i].Role == conversation.RoleHuman {
			starts = append(starts, i)
		}
	}
	if len(starts) < 2 {
		return msgs, 0
	}

	fixed := EstimateMessages(msgs[:prefix])
	current := starts[len(starts)-1]
	cut := prefix
	// Drop whole turns oldest-first; stop before the current turn.
	for _, next := range starts[1:] {
		if fixed+EstimateMessages(msgs[cut:]) <= maxTokens {
			break
		}
		cut = next
		if cut == current {
			break
		}
	}
	if cut == prefix {
		return msgs, 0
	}

	out := make([]conversation.Message, 0, prefix+len(msgs)-cut)
	out = append(out, msgs[:prefix]...)
	out = append(out, msgs[cut:]...)
	return out, cut - prefix
}

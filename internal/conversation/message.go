// Package conversation implements the dialogue controller at the heart of
// ragent: a small state machine that alternates between asking the language
// model for the next turn and executing the retrieval tool calls it requests,
// until the model produces a final answer.
//
// A Session owns an ordered transcript of Messages. The Controller threads the
// transcript through every model invocation, appends intermediate tool-call
// and tool-result messages in the order they occur, and commits the turn to
// the session only once it has completed.
package conversation

import "slices"

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleSystem carries instructions that establish assistant behaviour.
	RoleSystem Role = "system"
	// RoleHuman is a message typed by the user.
	RoleHuman Role = "human"
	// RoleAssistant is a message produced by the language model. It either
	// answers in natural language or requests one or more tool calls.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a single tool call back to the model.
	RoleTool Role = "tool"
)

// ToolCall is a structured request from the model to execute a named tool.
type ToolCall struct {
	// ID links the call to the tool-result message that answers it.
	ID string `json:"id"`
	// Name is the registered tool name (e.g. "search_documents").
	Name string `json:"name"`
	// Arguments is the raw JSON argument object emitted by the model.
	Arguments string `json:"arguments"`
}

// Message is a single entry in a conversation transcript.
type Message struct {
	// Role is the author of the message.
	Role Role `json:"role"`
	// Content is the text payload.
	Content string `json:"content"`
	// ToolCalls is present only on assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID is present only on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName names the tool that produced a tool-result message.
	ToolName string `json:"tool_name,omitempty"`
}

// SystemMessage returns a system message with the given content.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// HumanMessage returns a human message with the given content.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AssistantMessage returns an assistant message, optionally carrying tool calls.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage returns the tool-result message answering call.
func ToolResultMessage(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// HasToolCalls reports whether m requests tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// CloneMessages returns a copy of msgs that shares no ToolCalls backing
// arrays with the input.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].ToolCalls = slices.Clone(m.ToolCalls)
	}
	return out
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	// ParamString is a JSON string parameter.
	ParamString ParamType = "string"
	// ParamInteger is a JSON integer parameter.
	ParamInteger ParamType = "integer"
)

// ParamSchema describes one argument of a tool.
type ParamSchema struct {
	// Type is the JSON type of the argument.
	Type ParamType
	// Description is shown to the model.
	Description string
	// Required marks the argument as mandatory.
	Required bool
}

// ToolSchema is the model-facing description of a tool: its name, what it
// does, and the arguments it accepts. It is a plain value so it can be handed
// to a model invoker at construction time, separately from the code that
// executes the tool.
type ToolSchema struct {
	// Name is the identifier the model uses to request the tool.
	Name string
	// Description tells the model when to use the tool.
	Description string
	// Params maps argument name to its schema.
	Params map[string]ParamSchema
}

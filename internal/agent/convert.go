package agent

import (
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/54b3r/ragent/internal/conversation"
)

// ToolInfos converts tool schemas into eino ToolInfo values for WithTools.
func ToolInfos(tools []conversation.ToolSchema) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		params := make(map[string]*schema.ParameterInfo, len(t.Params))
		for name, p := range t.Params {
			params[name] = &schema.ParameterInfo{
				Type:     dataType(p.Type),
				Desc:     p.Description,
				Required: p.Required,
			}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

func dataType(t conversation.ParamType) schema.DataType {
	switch t {
	case conversation.ParamInteger:
		return schema.Integer
	default:
		return schema.String
	}
}

func toSchemaMessages(msgs []conversation.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toSchemaMessage(m))
	}
	return out
}

func toSchemaMessage(m conversation.Message) *schema.Message {
	switch m.Role {
	case conversation.RoleSystem:
		return schema.SystemMessage(m.Content)
	case conversation.RoleHuman:
		return schema.UserMessage(m.Content)
	case conversation.RoleTool:
		return &schema.Message{
			Role:       schema.Tool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
	default:
		var calls []schema.ToolCall
		for _, tc := range m.ToolCalls {
			calls = append(calls, schema.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return schema.AssistantMessage(m.Content, calls)
	}
}

// fromSchemaMessage converts a model reply. The role is always assistant.
//
// Not every backend returns usable call ids: ollama leaves them empty and
// gemini reuses the function name. A call whose id is empty or already taken
// in this reply gets a fresh one, and because the reply is stored in the
// transcript the model sees that id on the next request.
func fromSchemaMessage(m *schema.Message) conversation.Message {
	out := conversation.Message{Role: conversation.RoleAssistant, Content: m.Content}
	seen := make(map[string]bool, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

package toolexec

import (
	"encoding/json"
	"errors"
)

// Tool is one entry of the merged catalog handed to the AI layer.
type Tool struct {
	// Name is the namespaced name the model calls.
	Name         string         `json:"name"`
	OriginalName string         `json:"originalName"`
	ServerID     string         `json:"serverId"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the namespaced tool name and its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of a ToolCall as recorded in the conversation.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	IsSuccess  bool   `json:"isSuccess"`
	ResultData string `json:"resultData"`
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Tool  string `json:"tool,omitempty"`
}

// NewToolResult converts the return values of Executor.ExecuteTool into the
// result appended to the conversation. Failures become a JSON error object so
// the model can react to them.
func NewToolResult(callID, resultJSON string, err error) ToolResult {
	if err == nil {
		return ToolResult{ToolCallID: callID, IsSuccess: true, ResultData: resultJSON}
	}
	payload := errorPayload{Error: err.Error()}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		payload.Error = execErr.Kind.Error()
		if execErr.Detail != "" {
			payload.Error += ": " + execErr.Detail
		}
		payload.Kind = kindName(execErr.Kind)
		payload.Tool = execErr.Tool
	}
	data, _ := json.Marshal(payload)
	return ToolResult{ToolCallID: callID, IsSuccess: false, ResultData: string(data)}
}

func kindName(kind error) string {
	switch kind {
	case ErrToolNotMapped:
		return "tool_not_mapped"
	case ErrServerUnavailable:
		return "server_unavailable"
	case ErrInvalidArguments:
		return "invalid_arguments"
	case ErrToolExecutionTimeout:
		return "timeout"
	case ErrToolExecutionFailed:
		return "execution_failed"
	default:
		return ""
	}
}

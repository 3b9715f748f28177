package agentevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotEvent is returned for input that is not a JSON object.
var ErrNotEvent = errors.New("not an agent event")

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID"`
	Part      json.RawMessage `json:"part"`
	Error     json.RawMessage `json:"error"`
}

type partPayload struct {
	Reason string `json:"reason"`
	Text   string `json:"text"`
	CallID string `json:"callID"`
	Tool   string `json:"tool"`
	State  struct {
		Status ToolStatus      `json:"status"`
		Input  json.RawMessage `json:"input"`
		Output string          `json:"output"`
		Error  string          `json:"error"`
	} `json:"state"`
}

type errorPayload struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
	Message string `json:"message"`
}

// Decode parses one JSON line into an Event. Unrecognized type tags decode
// to Unknown rather than failing.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, ErrNotEvent
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode agent event: %w", err)
	}

	var part partPayload
	if len(env.Part) > 0 && string(env.Part) != "null" {
		if err := json.Unmarshal(env.Part, &part); err != nil {
			return nil, fmt.Errorf("decode %s part: %w", env.Type, err)
		}
	}

	switch normalizeType(env.Type) {
	case "step_start":
		return StepStart{SessionID: env.SessionID}, nil
	case "step_finish":
		return StepFinish{SessionID: env.SessionID, Reason: part.Reason}, nil
	case "text":
		return Text{SessionID: env.SessionID, Text: part.Text}, nil
	case "tool_use":
		output := part.State.Output
		if part.State.Status == ToolError && output == "" {
			output = "Error: " + part.State.Error
		}

		return ToolUse{
			SessionID: env.SessionID,
			CallID:    part.CallID,
			Tool:      part.Tool,
			Status:    part.State.Status,
			Input:     part.State.Input,
			Output:    output,
		}, nil
	case "error":
		var payload errorPayload
		if len(env.Error) > 0 {
			if err := json.Unmarshal(env.Error, &payload); err != nil {
				return nil, fmt.Errorf("decode error payload: %w", err)
			}
		}

		msg := payload.Data.Message
		if msg == "" {
			msg = payload.Message
		}

		return Error{SessionID: env.SessionID, Name: payload.Name, Message: msg}, nil
	default:
		return Unknown{SessionID: env.SessionID, Type: env.Type, Raw: json.RawMessage(line)}, nil
	}
}

func normalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}

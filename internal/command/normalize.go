package command

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Normalize converts a raw inbound payload into the canonical Command shape.
// The platform has used two field layouts over time: {type, payload} and
// {command, parameters}. Both are accepted here, at the pipeline boundary,
// so nothing downstream ever branches on field naming again.
//
// A payload with no usable id or kind is a validation failure: the caller
// drops it with a log entry and must never retry it as a different command.
func Normalize(raw map[string]any) (Command, error) {
	cmd := Command{
		Parameters: map[string]any{},
		Priority:   PriorityNormal,
		CreatedAt:  time.Now().UTC(),
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return Command{}, fmt.Errorf("command missing id")
	}
	cmd.ID = id

	kind, _ := raw["type"].(string)
	if kind == "" {
		kind, _ = raw["command"].(string)
	}
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind == "" {
		return Command{}, fmt.Errorf("command %s missing kind", id)
	}
	cmd.Kind = kind

	if params, ok := raw["payload"].(map[string]any); ok {
		cmd.Parameters = params
	} else if params, ok := raw["parameters"].(map[string]any); ok {
		cmd.Parameters = params
	}

	switch v := raw["priority"].(type) {
	case string:
		switch strings.ToLower(v) {
		case "high":
			cmd.Priority = PriorityHigh
		case "low":
			cmd.Priority = PriorityLow
		}
	case float64:
		if v >= 2 {
			cmd.Priority = PriorityHigh
		} else if v <= 0 {
			cmd.Priority = PriorityLow
		}
	}
	// Emergency stops are always out-of-band regardless of sender hints.
	if cmd.Kind == KindEmergencyStop {
		cmd.Priority = PriorityHigh
	}

	if execID, ok := raw["executorId"].(string); ok {
		cmd.SourceExecutorID = execID
	}

	if ts, ok := raw["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			cmd.CreatedAt = t
		}
	} else if ts, ok := raw["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			cmd.CreatedAt = t
		}
	}

	if v, ok := asInt(raw["maxRetries"]); ok {
		cmd.MaxRetries = v
	}
	if v, ok := asInt(raw["timeout"]); ok && v > 0 {
		cmd.Timeout = time.Duration(v) * time.Second
	}

	return cmd, nil
}

// NormalizeJSON decodes a raw JSON message and normalizes it.
func NormalizeJSON(data []byte) (Command, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return Normalize(raw)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

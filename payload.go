package taskpipe

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// DefaultMaxDepth is the maximum number of transitions a payload may make
// before workers treat it as a routing loop.
const DefaultMaxDepth = 10

// Data keys shared between stages and the worker loop.
const (
	DataKeyArtifact   = "artifact_ref"
	DataKeyRAGContext = "rag_context"
)

// Payload is the envelope passed between pipeline stages. A Payload is never
// modified once it has been published or checkpointed; transitions return a
// new value.
type Payload struct {
	TaskID  string         `json:"task_id"`
	Topic   string         `json:"topic"`
	Step    string         `json:"step"`
	Params  map[string]any `json:"params"`
	Data    map[string]any `json:"data"`
	History []string       `json:"history"`
	Depth   int            `json:"depth"`
}

// NewPayload returns the initial payload for a task.
func NewPayload(taskID, topic, step string, params map[string]any) Payload {
	return Payload{
		TaskID:  taskID,
		Topic:   topic,
		Step:    step,
		Params:  copyMap(params),
		Data:    map[string]any{},
		History: []string{},
	}
}

// Next returns the payload produced by transitioning to the given step. The
// new data is merged over a copy of the existing data, one history entry is
// appended and the depth is incremented.
func (p Payload) Next(step string, data map[string]any) Payload {
	merged := copyMap(p.Data)
	for k, v := range data {
		merged[k] = copyValue(v)
	}
	history := make([]string, len(p.History), len(p.History)+1)
	copy(history, p.History)
	history = append(history, fmt.Sprintf("%s -> %s", p.Step, step))

	return Payload{
		TaskID:  p.TaskID,
		Topic:   p.Topic,
		Step:    step,
		Params:  copyMap(p.Params),
		Data:    merged,
		History: history,
		Depth:   p.Depth + 1,
	}
}

// WithParams returns a copy of the payload with the given params merged in.
// It does not count as a transition.
func (p Payload) WithParams(params map[string]any) Payload {
	out := p.clone()
	for k, v := range params {
		out.Params[k] = copyValue(v)
	}
	return out
}

// Validate checks the fields every stage relies on.
func (p Payload) Validate() error {
	if err := ValidateTaskID(p.TaskID); err != nil {
		return err
	}
	switch {
	case p.Topic == "":
		return NewMalformedError("payload", "missing topic")
	case p.Step == "":
		return NewMalformedError("payload", "missing step")
	case p.Depth < 0:
		return NewMalformedError("payload", fmt.Sprintf("negative depth %d", p.Depth))
	}
	return nil
}

// ValidateTaskID rejects empty task IDs and IDs that could escape a
// directory when used as a file or directory name.
func ValidateTaskID(taskID string) error {
	switch {
	case taskID == "":
		return NewMalformedError("payload", "missing task_id")
	case strings.ContainsAny(taskID, "/\\\x00"), strings.Contains(taskID, ".."):
		return NewMalformedError("payload", fmt.Sprintf("invalid task_id %q", taskID))
	}
	return nil
}

// Encode serializes the payload for the bus.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses and validates a serialized payload.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, &PipelineError{
			Type:      ErrorTypeMalformed,
			Component: "payload",
			Cause:     "invalid payload: " + err.Error(),
			Wrapped:   err,
		}
	}
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	if p.History == nil {
		p.History = []string{}
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// DataValue decodes the data entry stored under key into T. Values that went
// through the bus are generic JSON, so the entry is re-encoded and decoded
// into the requested type. The boolean reports whether the key was present.
func DataValue[T any](p Payload, key string) (T, bool, error) {
	var out T
	raw, ok := p.Data[key]
	if !ok || raw == nil {
		return out, false, nil
	}
	if typed, ok := raw.(T); ok {
		return typed, true, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return out, true, NewMalformedError("payload", fmt.Sprintf("data %q: %v", key, err))
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return out, true, NewMalformedError("payload", fmt.Sprintf("data %q has unexpected type: %v", key, err))
	}
	return out, true, nil
}

// ParamString returns a string param, or the fallback when absent or empty.
func (p Payload) ParamString(key, fallback string) string {
	if v, ok := p.Params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (p Payload) clone() Payload {
	history := make([]string, len(p.History))
	copy(history, p.History)
	return Payload{
		TaskID:  p.TaskID,
		Topic:   p.Topic,
		Step:    p.Step,
		Params:  copyMap(p.Params),
		Data:    copyMap(p.Data),
		History: history,
		Depth:   p.Depth,
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

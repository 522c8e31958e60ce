package participant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Trigger is the structured payload describing why a participant's state
// should advance. Its keys are policy specific.
type Trigger map[string]any

// ParseTrigger decodes a JSON object into a Trigger.
// Empty input, "null" and "{}" all yield the empty trigger.
func ParseTrigger(raw []byte) (Trigger, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Trigger{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidTrigger)
	}
	switch x := v.(type) {
	case nil:
		return Trigger{}, nil
	case map[string]any:
		return Trigger(x), nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", ErrInvalidTrigger, v)
	}
}

// Empty reports whether the trigger carries no fields.
func (t Trigger) Empty() bool { return len(t) == 0 }

// String returns the value of key as a string.
// A missing key yields ("", false, nil).
func (t Trigger) String(key string) (string, bool, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidTrigger, key, v)
	}
	return s, true, nil
}

// Int returns the value of key as an integer.
// JSON numbers with a fractional part are rejected.
func (t Trigger) Int(key string) (int, bool, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false, fmt.Errorf("%w: %s must be an integer", ErrInvalidTrigger, key)
		}
		return int(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s must be an integer", ErrInvalidTrigger, key)
		}
		return int(i), true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidTrigger, key, v)
	}
}

// CheckKeys rejects keys outside allowed.
func (t Trigger) CheckKeys(allowed ...string) error {
	for k := range t {
		known := false
		for _, a := range allowed {
			if k == a {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidTrigger, k)
		}
	}
	return nil
}

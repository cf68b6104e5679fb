package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// marshalState converts an accumulator snapshot to canonical JSON TEXT.
// Canonical form keeps identical snapshots byte-identical on disk.
func marshalState(state ir.IRObject) (string, error) {
	if state == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(data), nil
}

// unmarshalState parses a stored snapshot. Large integers survive via json.Number.
func unmarshalState(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return obj, nil
}

// marshalPlan stores an arbitrary plan description as canonical JSON.
func marshalPlan(plan ir.IRObject) (string, error) {
	return marshalState(plan)
}

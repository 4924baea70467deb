// JSON helpers for marshaling and unmarshaling message parts. Parts are
// stored as discriminated unions keyed by a Kind field so generic Parts
// slices decode back to concrete types.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes TextPart with its Kind discriminator.
func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Kind string `json:"Kind"` //nolint:tagliatelle // discriminator casing matches stored history
		alias
	}{Kind: "text", alias: alias(p)})
}

// MarshalJSON encodes ThinkingPart with its Kind discriminator.
func (p ThinkingPart) MarshalJSON() ([]byte, error) {
	type alias ThinkingPart
	return json.Marshal(struct {
		Kind string `json:"Kind"` //nolint:tagliatelle // discriminator casing matches stored history
		alias
	}{Kind: "thinking", alias: alias(p)})
}

// MarshalJSON encodes ToolUsePart with its Kind discriminator.
func (p ToolUsePart) MarshalJSON() ([]byte, error) {
	type alias ToolUsePart
	return json.Marshal(struct {
		Kind string `json:"Kind"` //nolint:tagliatelle // discriminator casing matches stored history
		alias
	}{Kind: "tool_use", alias: alias(p)})
}

// MarshalJSON encodes ToolResultPart with its Kind discriminator.
func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	type alias ToolResultPart
	return json.Marshal(struct {
		Kind string `json:"Kind"` //nolint:tagliatelle // discriminator casing matches stored history
		alias
	}{Kind: "tool_result", alias: alias(p)})
}

// UnmarshalJSON decodes a Message while materializing concrete Part
// implementations in the Parts slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  Role              `json:"Role"` //nolint:tagliatelle
		Parts []json.RawMessage `json:"Parts"` //nolint:tagliatelle
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := DecodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// DecodePart reconstructs a concrete Part from its discriminated JSON form.
func DecodePart(raw json.RawMessage) (Part, error) {
	var head struct {
		Kind string `json:"Kind"` //nolint:tagliatelle
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode part object: %w", err)
	}
	switch head.Kind {
	case "text":
		var p TextPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return p, nil
	case "thinking":
		var p ThinkingPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ThinkingPart: %w", err)
		}
		return p, nil
	case "tool_use":
		var p ToolUsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if p.Name == "" {
			return nil, errors.New("ToolUsePart requires Name")
		}
		return p, nil
	case "tool_result":
		var p ToolResultPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if p.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires ToolUseID")
		}
		return p, nil
	case "":
		return nil, errors.New("part missing Kind discriminator")
	default:
		return nil, fmt.Errorf("unknown part kind %q", head.Kind)
	}
}

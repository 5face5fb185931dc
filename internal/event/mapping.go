// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Mapping is a pure, declarative projection from a source event's data to a
// derived event's data. Each entry is either a field copy (Source), a
// literal, a templated string, or a nested Mapping — no dynamic code
// execution.
type Mapping map[string]FieldSpec

// FieldSpec describes how to produce one field of a transformer's output.
// Exactly one of Source, Literal, Template, or Nested should be set; when
// several are, Nested wins, then Template, then Source, and Literal is used
// only when none of the other three is set.
type FieldSpec struct {
	// Source is a dot-separated path into the source data
	// (e.g. "agent.id") copied verbatim into the output field.
	Source string
	// Literal is emitted as-is, ignoring the source data.
	Literal any
	// Template is a text/template string evaluated against the source data
	// (exposed to the template as ".").
	Template string
	// Nested recursively constructs an object value.
	Nested Mapping
}

// Apply projects src (a JSON object) through m, producing the mapped output
// as JSON.
func (m Mapping) Apply(src json.RawMessage) (json.RawMessage, error) {
	var root map[string]any
	if len(src) > 0 {
		if err := json.Unmarshal(src, &root); err != nil {
			return nil, fmt.Errorf("unmarshaling source data: %w", err)
		}
	}
	out, err := m.apply(root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (m Mapping) apply(root map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for field, spec := range m {
		switch {
		case spec.Nested != nil:
			nested, err := spec.Nested.apply(root)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			out[field] = nested
		case spec.Template != "":
			val, err := renderTemplate(spec.Template, root)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			out[field] = val
		case spec.Source != "":
			val, ok := lookupPath(root, spec.Source)
			if ok {
				out[field] = val
			}
		default:
			out[field] = spec.Literal
		}
	}
	return out, nil
}

func renderTemplate(text string, root map[string]any) (string, error) {
	tmpl, err := template.New("mapping").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// lookupPath resolves a dot-separated path against nested maps, e.g.
// "agent.id" fetches root["agent"].(map[string]any)["id"].
func lookupPath(root map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Condition is a pure predicate evaluated against a transformer's source
// data before it fires.
type Condition struct {
	// Path is a dot-separated field path, as in FieldSpec.Source.
	Path string
	// Equals, if non-nil, requires the field at Path to equal this value
	// (compared via fmt.Sprint to tolerate JSON numeric/string mismatch).
	// If nil, the condition merely requires the field to be present and
	// truthy (not null, not false, not the empty string, not the number 0;
	// arrays and objects count as truthy even when empty).
	Equals any
}

// Evaluate reports whether c holds against src.
func (c *Condition) Evaluate(src json.RawMessage) bool {
	var root map[string]any
	if len(src) > 0 {
		if err := json.Unmarshal(src, &root); err != nil {
			return false
		}
	}
	val, ok := lookupPath(root, c.Path)
	if !ok {
		return false
	}
	if c.Equals != nil {
		return fmt.Sprint(val) == fmt.Sprint(c.Equals)
	}
	return isTruthy(val)
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

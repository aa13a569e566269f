package atelier

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FieldType is the closed set of value shapes an agent contract can name.
// Dispatch is typed against this enum rather than open reflection.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeList    FieldType = "list"
)

// Valid reports whether t is one of the five known shapes.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeList:
		return true
	}
	return false
}

// Field describes one key of a contract.
type Field struct {
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// Contract maps input or output keys to their type descriptors. The zero
// value (nil) accepts anything; an empty non-nil contract accepts only the
// empty object for required-ness purposes but passes through extra keys.
type Contract map[string]Field

// Check returns a list of human-readable violations of the contract by
// values: missing required keys and wrong-typed values. Keys not named by
// the contract are ignored.
func (c Contract) Check(values map[string]any) []string {
	var violations []string
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f := c[k]
		v, ok := values[k]
		if !ok || v == nil {
			if f.Required {
				violations = append(violations, fmt.Sprintf("missing required field %q (%s)", k, f.Type))
			}
			continue
		}
		if !matchesType(v, f.Type) {
			violations = append(violations, fmt.Sprintf("field %q: got %T, want %s", k, v, f.Type))
		}
	}
	return violations
}

// Validate checks values against the contract and wraps violations as a
// ContractViolation error scoped to step.
func (c Contract) Validate(step string, values map[string]any) error {
	if vs := c.Check(values); len(vs) > 0 {
		return Errf(KindContractViolation, step, "%s", joinViolations(vs))
	}
	return nil
}

// ValidateInputs checks submission inputs against an entry schema,
// reporting violations as InvalidInputs.
func (c Contract) ValidateInputs(values map[string]any) error {
	if vs := c.Check(values); len(vs) > 0 {
		return Errf(KindInvalidInputs, "", "%s", joinViolations(vs))
	}
	return nil
}

// Project returns the subset of values whose keys the contract names.
func (c Contract) Project(values map[string]any) map[string]any {
	out := make(map[string]any)
	for k := range c {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func joinViolations(vs []string) string {
	s := vs[0]
	for _, v := range vs[1:] {
		s += "; " + v
	}
	return s
}

// matchesType checks a runtime value against a FieldType. Numeric values
// accept the Go types JSON and YAML decoding produce.
func matchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		switch v.(type) {
		case map[string]any, map[any]any:
			return true
		}
		return false
	case TypeList:
		switch v.(type) {
		case []any, []string, []float64:
			return true
		}
		return false
	}
	return false
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind tags the concrete type held by a VariableValue.
type ValueKind int

const (
	// ValueNull is an absent or JSON null value.
	ValueNull ValueKind = iota
	// ValueString is a string value. Non-scalar JSON is kept as compact text.
	ValueString
	// ValueNumber is a numeric value.
	ValueNumber
	// ValueBool is a boolean value.
	ValueBool
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	default:
		return "unknown"
	}
}

// VariableValue is the value of an instance variable: a string, a number,
// a boolean, or null.
type VariableValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// StringValue returns a string VariableValue.
func StringValue(s string) VariableValue { return VariableValue{Kind: ValueString, Str: s} }

// NumberValue returns a numeric VariableValue.
func NumberValue(n float64) VariableValue { return VariableValue{Kind: ValueNumber, Num: n} }

// BoolValue returns a boolean VariableValue.
func BoolValue(b bool) VariableValue { return VariableValue{Kind: ValueBool, Bool: b} }

// NullValue returns the null VariableValue.
func NullValue() VariableValue { return VariableValue{} }

// IsNull reports whether the value is absent or null.
func (v VariableValue) IsNull() bool { return v.Kind == ValueNull }

// String renders the value the way it is displayed: numbers in their
// shortest form (exponent notation at the extremes), booleans as true/false, null as "null".
func (v VariableValue) String() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return formatNumber(v.Num)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "null"
	}
}

// formatNumber switches to exponent notation below 1e-6 and from 1e21 on,
// with an unpadded exponent ("1e+21", "1.5e-7"). Zero is always "0".
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}

// UnmarshalJSON decodes any JSON value. Objects and arrays are kept as their
// compact JSON text.
func (v *VariableValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = NullValue()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("variable value: %w", err)
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("variable value: %w", err)
		}
		*v = BoolValue(b)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return fmt.Errorf("variable value: %w", err)
		}
		*v = StringValue(buf.String())
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("variable value: %w", err)
		}
		*v = NumberValue(n)
	}
	return nil
}

// MarshalJSON encodes the value as its natural JSON type.
func (v VariableValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// InstanceVariable is one global variable of a process instance.
type InstanceVariable struct {
	ID     string        `json:"id,omitempty"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Value  VariableValue `json:"value"`
	Source string        `json:"source,omitempty"`
}

// ElementState is one entry of the executed-elements sequence returned with
// the variables.
type ElementState struct {
	ElementID string `json:"elementId,omitempty"`
	Name      string `json:"name,omitempty"`
}

// VariablesResponse is the instance service's variables payload.
type VariablesResponse struct {
	InstanceID      string             `json:"instanceId,omitempty"`
	Elements        []ElementState     `json:"elements"`
	GlobalVariables []InstanceVariable `json:"globalVariables"`
}

// CurrentElementID returns the element id of the last executed element, or
// "" when there are no elements or the last one carries no id.
func (r VariablesResponse) CurrentElementID() string {
	if len(r.Elements) == 0 {
		return ""
	}
	return r.Elements[len(r.Elements)-1].ElementID
}

// Variable types that are never displayed.
var ExcludedVariableTypes = map[string]bool{
	"any":        true,
	"jsonschema": true,
	"object":     true,
}

// Stringified values that count as empty.
var EmptyVariableValues = map[string]bool{
	"":          true,
	"null":      true,
	"undefined": true,
}

// IsDisplayable reports whether the variable survives display filtering: its
// type is not excluded and its value is present and non-empty.
func (iv InstanceVariable) IsDisplayable() bool {
	if ExcludedVariableTypes[strings.ToLower(iv.Type)] {
		return false
	}
	if iv.Value.IsNull() {
		return false
	}
	return !EmptyVariableValues[strings.ToLower(strings.TrimSpace(iv.Value.String()))]
}

// DisplayVariable is a filtered variable as presented in the detail pane.
type DisplayVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// Package condition evaluates routing conditions against a normalized alert.
//
// Evaluation is a pure function of (Group, alert.ForEvaluation): no clock,
// no I/O, no logging. Anything that cannot be evaluated cleanly (bad regex,
// non-numeric comparison, unknown field) is a non-match and is reported in
// the per-condition Detail so callers can surface it.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals              Operator = "equals"
	OpNotEquals           Operator = "not_equals"
	OpIn                  Operator = "in"
	OpNotIn               Operator = "not_in"
	OpContains            Operator = "contains"
	OpNotContains         Operator = "not_contains"
	OpRegex               Operator = "regex"
	OpGreaterThan         Operator = "greater_than"
	OpGreaterThanOrEquals Operator = "greater_than_or_equals"
	OpLessThan            Operator = "less_than"
	OpLessThanOrEquals    Operator = "less_than_or_equals"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains, OpNotContains, OpRegex,
	OpGreaterThan, OpGreaterThanOrEquals, OpLessThan, OpLessThanOrEquals,
}

func (o Operator) known() bool {
	for _, k := range Operators {
		if o == k {
			return true
		}
	}
	return false
}

func (o Operator) ordered() bool {
	switch o {
	case OpGreaterThan, OpGreaterThanOrEquals, OpLessThan, OpLessThanOrEquals:
		return true
	}
	return false
}

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

// Value is the typed right-hand side of a condition: a string, number,
// bool, or list of strings.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list value.
func List(items ...string) Value { return Value{kind: KindList, list: append([]string{}, items...)} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// Items returns a copy of the list variant.
func (v Value) Items() []string { return append([]string{}, v.list...) }

// IsScalar reports whether v is a string, number or bool.
func (v Value) IsScalar() bool {
	return v.kind == KindString || v.kind == KindNumber || v.kind == KindBool
}

// Number returns v as a float when it is numeric or a numeric string.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return f, err == nil
	}
	return 0, false
}

// Text renders a scalar as the string it is compared as.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return strings.Join(v.list, ",")
	}
	return ""
}

// MarshalJSON encodes the value in its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts a string, number, bool, or an array of strings
// and numbers. Numbers inside arrays are kept in their textual form.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var x bool
		if err := json.Unmarshal(b, &x); err != nil {
			return err
		}
		*v = Bool(x)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		items := make([]string, 0, len(raw))
		for _, r := range raw {
			var item Value
			if err := item.UnmarshalJSON(r); err != nil {
				return err
			}
			if !item.IsScalar() {
				return fmt.Errorf("list items must be strings or numbers")
			}
			items = append(items, item.Text())
		}
		*v = List(items...)
	default:
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("unsupported condition value %s", b)
		}
		*v = Number(n)
	}
	return nil
}

// Condition is a single field comparison.
type Condition struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         Value    `json:"value"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
}

// Describe renders the condition as "field operator <json value>".
func (c Condition) Describe() string {
	b, _ := json.Marshal(c.Value)
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, b)
}

// Group combines conditions: every All must hold and, when Any is
// present, at least one Any must hold. A present but empty Any never holds.
type Group struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

// MarshalJSON keeps an empty Any distinguishable from an absent one.
func (g Group) MarshalJSON() ([]byte, error) {
	out := struct {
		All []Condition  `json:"all,omitempty"`
		Any *[]Condition `json:"any,omitempty"`
	}{All: g.All}
	if g.Any != nil {
		out.Any = &g.Any
	}
	return json.Marshal(out)
}

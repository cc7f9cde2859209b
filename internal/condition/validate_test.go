package condition

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		g        Group
		wantPath string
	}{
		{"valid", Group{All: []Condition{{Field: "severity", Operator: OpEquals, Value: String("high")}}}, ""},
		{"valid tag regex", Group{Any: []Condition{{Field: "tags.team", Operator: OpRegex, Value: String("^pay")}}}, ""},
		{"valid severity rank", Group{All: []Condition{{Field: "severity", Operator: OpGreaterThanOrEquals, Value: Number(4)}}}, ""},
		{"missing field", Group{All: []Condition{{Operator: OpEquals, Value: String("x")}}}, "all[0].field"},
		{"unknown field", Group{All: []Condition{{Field: "hostname", Operator: OpEquals, Value: String("x")}}}, "all[0].field"},
		{"empty tag key", Group{All: []Condition{{Field: "tags.", Operator: OpEquals, Value: String("x")}}}, "all[0].field"},
		{"unknown operator", Group{Any: []Condition{{Field: "title", Operator: "like", Value: String("x")}}}, "any[0].operator"},
		{"starts_with unsupported", Group{All: []Condition{{Field: "title", Operator: "starts_with", Value: String("x")}}}, "all[0].operator"},
		{"ends_with unsupported", Group{All: []Condition{{Field: "title", Operator: "ends_with", Value: String("x")}}}, "all[0].operator"},
		{"exists unsupported", Group{All: []Condition{{Field: "tags.team", Operator: "exists", Value: String("")}}}, "all[0].operator"},
		{"in needs list", Group{All: []Condition{{Field: "source", Operator: OpIn, Value: String("SENTRY")}}}, "all[0].value"},
		{"bad regex", Group{All: []Condition{{Field: "title", Operator: OpRegex, Value: String("(")}}}, "all[0].value"},
		{"severity bad rank", Group{All: []Condition{{Field: "severity", Operator: OpLessThan, Value: Number(9)}}}, "all[0].value"},
		{"count not numeric", Group{All: []Condition{{Field: "count", Operator: OpGreaterThan, Value: String("many")}}}, "all[0].value"},
		{"first problem reported first", Group{Any: []Condition{{}, {Field: "title", Operator: OpEquals, Value: List("a")}}}, "any[0].field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.g)
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", ve.Path, tt.wantPath)
			}
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	t.Parallel()

	err := Validate(Group{
		All: []Condition{{Field: "nope", Operator: OpEquals, Value: String("x")}},
		Any: []Condition{{Field: "title", Operator: OpRegex, Value: String("[")}},
	})
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"all[0].field", "any[0].value"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

package routing

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed rule.schema.json
var ruleSchemaJSON []byte

var (
	ruleSchemaOnce sync.Once
	ruleSchema     *gojsonschema.Schema
	ruleSchemaErr  error
)

// SchemaError lists JSON-schema violations in a rule document.
type SchemaError struct {
	Issues []SchemaIssue
}

// SchemaIssue is one schema violation.
type SchemaIssue struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Description)
	}
	return "rule failed schema validation: " + strings.Join(parts, "; ")
}

// Unwrap ties schema failures to ErrInvalidRule.
func (e *SchemaError) Unwrap() error { return ErrInvalidRule }

func compiledSchema() (*gojsonschema.Schema, error) {
	ruleSchemaOnce.Do(func() {
		ruleSchema, ruleSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(ruleSchemaJSON))
	})
	return ruleSchema, ruleSchemaErr
}

// DecodeRule validates a JSON rule document against the rule schema and
// decodes it into typed form. Omitted "enabled" defaults to true. Callers
// fill server-owned fields (id, workspace, timestamps) and then Validate.
func DecodeRule(data []byte) (Rule, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Rule{}, fmt.Errorf("load rule schema: %w", err)
	}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if !res.Valid() {
		se := &SchemaError{}
		for _, issue := range res.Errors() {
			se.Issues = append(se.Issues, SchemaIssue{Field: issue.Field(), Description: issue.Description()})
		}
		return Rule{}, se
	}

	r := Rule{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return r, nil
}

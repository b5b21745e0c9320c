package tools

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/runtime/contract"
)

// SchemaValidator compiles a JSON schema into an ArgsValidator. The returned
// validator reports every schema violation as a field issue so callers see
// the full set of problems in one validation error.
func SchemaValidator(schemaJSON []byte) (ArgsValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse tool schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("args.json", doc); err != nil {
		return nil, fmt.Errorf("add tool schema resource: %w", err)
	}
	schema, err := compiler.Compile("args.json")
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}
	return func(args map[string]any) []contract.FieldIssue {
		// Validate a generic value so nested maps/slices are walked.
		value := map[string]any(args)
		if value == nil {
			value = map[string]any{}
		}
		err := schema.Validate(normalize(value))
		if err == nil {
			return nil
		}
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return []contract.FieldIssue{{Field: "args", Constraint: "invalid_format", Detail: err.Error()}}
		}
		return flattenSchemaError(verr)
	}, nil
}

// flattenSchemaError walks the cause tree and reports leaf violations.
func flattenSchemaError(verr *jsonschema.ValidationError) []contract.FieldIssue {
	if len(verr.Causes) == 0 {
		field := strings.Join(verr.InstanceLocation, ".")
		if field == "" {
			field = "args"
		}
		return []contract.FieldIssue{{
			Field:      field,
			Constraint: "schema_violation",
			Detail:     verr.Error(),
		}}
	}
	var issues []contract.FieldIssue
	for _, cause := range verr.Causes {
		issues = append(issues, flattenSchemaError(cause)...)
	}
	return issues
}

// normalize rebuilds the argument object with plain map/slice/scalar types so
// schema validation sees the same shapes JSON decoding would produce.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}

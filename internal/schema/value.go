package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"krapi.io/krapi/pkg/socket"
)

// CheckValue validates a single canonical JSON value against a field
// definition and returns it unchanged on success. Values are expected in
// canonical form (numbers as json.Number), which both adapters guarantee.
// A nil value passes for optional fields and fails for required ones.
func CheckValue(f socket.Field, v any) error {
	if v == nil {
		if f.Required {
			return socket.Validationf(f.Name, "required field %q must not be null", f.Name)
		}
		return nil
	}

	switch f.Type {
	case socket.FieldString:
		if _, ok := v.(string); !ok {
			return socket.Validationf(f.Name, "field %q expects a string", f.Name)
		}
	case socket.FieldInteger:
		n, ok := v.(json.Number)
		if !ok {
			return socket.Validationf(f.Name, "field %q expects an integer", f.Name)
		}
		if _, err := n.Int64(); err != nil {
			return socket.Validationf(f.Name, "field %q expects an integer, got %s", f.Name, n.String())
		}
	case socket.FieldDecimal:
		n, ok := v.(json.Number)
		if !ok {
			return socket.Validationf(f.Name, "field %q expects a number", f.Name)
		}
		if _, err := n.Float64(); err != nil {
			return socket.Validationf(f.Name, "field %q expects a number, got %s", f.Name, n.String())
		}
	case socket.FieldBoolean:
		if _, ok := v.(bool); !ok {
			return socket.Validationf(f.Name, "field %q expects a boolean", f.Name)
		}
	case socket.FieldTimestamp:
		s, ok := v.(string)
		if !ok {
			return socket.Validationf(f.Name, "field %q expects an RFC 3339 timestamp string", f.Name)
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return socket.Validationf(f.Name, "field %q is not a valid RFC 3339 timestamp: %v", f.Name, err)
		}
	case socket.FieldUUID:
		s, ok := v.(string)
		if !ok {
			return socket.Validationf(f.Name, "field %q expects a UUID string", f.Name)
		}
		if _, err := uuid.Parse(s); err != nil {
			return socket.Validationf(f.Name, "field %q is not a valid UUID: %v", f.Name, err)
		}
	case socket.FieldJSON:
		// Any JSON value is acceptable.
	default:
		return socket.Validationf(f.Name, "field %q has unsupported type %q", f.Name, f.Type)
	}
	return nil
}

// CompileRule compiles a field's optional JSON Schema validation fragment.
func CompileRule(raw json.RawMessage) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

// CheckRule applies a compiled validation rule to a field value.
func CheckRule(field string, rule *gojsonschema.Schema, v any) error {
	res, err := rule.Validate(gojsonschema.NewGoLoader(v))
	if err != nil {
		return socket.Validationf(field, "field %q validation rule failed: %v", field, err)
	}
	if !res.Valid() {
		detail := "value rejected"
		if errs := res.Errors(); len(errs) > 0 {
			detail = errs[0].Description()
		}
		return socket.Validationf(field, "field %q: %s", field, detail)
	}
	return nil
}

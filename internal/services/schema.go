package services

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FieldType is the expected type of a service field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeEnum   FieldType = "enum"
	TypeObject FieldType = "object"
)

// Field describes one service-call field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	// Default is applied when an optional field is absent.
	Default any `json:"default,omitempty"`
	// Enum lists the accepted values of a TypeEnum field.
	Enum []string `json:"enum,omitempty"`
	// Min is the smallest accepted value of a TypeInt field.
	Min *int `json:"min,omitempty"`
	// Max is the largest accepted value of a TypeInt field.
	Max *int `json:"max,omitempty"`
	// Check runs after type coercion for extra constraints.
	Check func(v any) error `json:"-"`
}

// Schema is the set of fields a service accepts. Keys not named in the
// schema are rejected.
type Schema []Field

// IntPtr returns a pointer to n, for [Field.Min] and [Field.Max].
func IntPtr(n int) *int { return &n }

// FieldError is one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Service string       `json:"service"`
	Fields  []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("invalid data for %s: %s", e.Service, strings.Join(parts, "; "))
}

// Validate checks data against the schema and returns a normalized copy
// with defaults applied and values coerced to their declared types:
// strings as string, ints as int, objects as map[string]any.
func (s Schema) Validate(data map[string]any) (map[string]any, []FieldError) {
	out := make(map[string]any, len(s))
	var errs []FieldError

	known := make(map[string]bool, len(s))
	for _, f := range s {
		known[f.Name] = true

		raw, present := data[f.Name]
		if present && raw == nil && !f.Required {
			present = false
		}
		if !present {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Message: "required key not provided"})
				continue
			}
			if f.Default != nil {
				out[f.Name] = cloneDefault(f.Default)
			}
			continue
		}

		v, err := f.coerce(raw)
		if err == nil && f.Check != nil {
			err = f.Check(v)
		}
		if err != nil {
			errs = append(errs, FieldError{Field: f.Name, Message: err.Error()})
			continue
		}
		out[f.Name] = v
	}

	var extra []string
	for k := range data {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		errs = append(errs, FieldError{Field: k, Message: "extra keys not allowed"})
	}

	return out, errs
}

func (f Field) coerce(raw any) (any, error) {
	switch f.Type {
	case TypeString:
		return coerceString(raw)

	case TypeEnum:
		s, err := coerceString(raw)
		if err != nil {
			return nil, err
		}
		for _, e := range f.Enum {
			if s == e {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value must be one of %s", strings.Join(f.Enum, ", "))

	case TypeInt:
		n, err := coerceInt(raw)
		if err != nil {
			return nil, err
		}
		if f.Min != nil && n < *f.Min {
			return nil, fmt.Errorf("value must be at least %d", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return nil, fmt.Errorf("value must be at most %d", *f.Max)
		}
		return n, nil

	case TypeObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a dictionary")
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported field type %q", f.Type)
	}
}

func coerceString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expected str")
	}
}

func coerceInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected int")
		}
		if v >= float64(math.MaxInt) || v < float64(math.MinInt) {
			return 0, fmt.Errorf("value out of range")
		}
		return int(v), nil
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, fmt.Errorf("expected int")
		}
		return n, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expected int")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected int")
	}
}

// cloneDefault copies map defaults so callers cannot mutate the schema.
func cloneDefault(v any) any {
	if m, ok := v.(map[string]any); ok {
		c := make(map[string]any, len(m))
		for k, val := range m {
			c[k] = val
		}
		return c
	}
	return v
}

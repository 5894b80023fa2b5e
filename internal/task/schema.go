package task

import "fmt"

// ParamType is the closed set of parameter type descriptors.
type ParamType string

const (
	TypeBoolean ParamType = "boolean"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeString  ParamType = "string"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// ParamSpec describes one named parameter: its type, whether it is
// required, its default, a description, and optional numeric bounds.
type ParamSpec struct {
	Name        string
	Type        ParamType
	Required    bool
	Default     any
	Description string
	Min, Max    *float64
	NonEmpty    bool // for string params that must not be the empty string
}

// Schema is an ordered collection of ParamSpecs for one task type.
type Schema struct {
	specs []ParamSpec
}

// NewSchema builds an empty schema.
func NewSchema() *Schema { return &Schema{} }

// Add registers a parameter spec and returns the schema for chaining.
func (s *Schema) Add(spec ParamSpec) *Schema {
	s.specs = append(s.specs, spec)
	return s
}

// Validate is total: it either fully succeeds, returning a
// canonicalized copy of params with defaults applied, or returns the
// complete list of validation errors (never a partial result).
func (s *Schema) Validate(params map[string]any) (map[string]any, []string) {
	var errs []string
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, spec := range s.specs {
		v, present := out[spec.Name]
		if !present {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("%s: required parameter missing", spec.Name))
				continue
			}
			out[spec.Name] = spec.Default
			v = spec.Default
			if v == nil {
				continue
			}
		}
		if err := checkType(spec, v); err != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", spec.Name, err))
			continue
		}
		if err := checkBounds(spec, v); err != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", spec.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func checkType(spec ParamSpec, v any) string {
	switch spec.Type {
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return "expected boolean"
		}
	case TypeInteger:
		switch v.(type) {
		case int, int32, int64, float64:
		default:
			return "expected integer"
		}
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return "expected number"
		}
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return "expected string"
		}
		if spec.NonEmpty && s == "" {
			return "must not be empty"
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return "expected object"
		}
	case TypeArray:
		switch v.(type) {
		case []any:
		default:
			return "expected array"
		}
	}
	return ""
}

func checkBounds(spec ParamSpec, v any) string {
	if spec.Min == nil && spec.Max == nil {
		return ""
	}
	f, ok := toFloat(v)
	if !ok {
		return ""
	}
	if spec.Min != nil && f < *spec.Min {
		return fmt.Sprintf("must be >= %v", *spec.Min)
	}
	if spec.Max != nil && f > *spec.Max {
		return fmt.Sprintf("must be <= %v", *spec.Max)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Bound is a convenience constructor for a *float64 bound literal.
func Bound(v float64) *float64 { return &v }

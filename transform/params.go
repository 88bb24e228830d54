package transform

import (
	"encoding/json"
	"math"

	"github.com/recasthq/recast/errdefs"
)

// Params is the free-form parameter map attached to a transformation.
// Values arrive from JSON, so numbers are float64 until validated.
type Params map[string]interface{}

// Merge overlays request parameters onto preset defaults. Request keys
// win; neither input is mutated. A nil result is never returned.
func Merge(preset, request Params) Params {
	merged := make(Params, len(preset)+len(request))
	for k, v := range preset {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// Validate checks params against the schema for kind. Unknown keys,
// wrong types and out-of-range values are rejected with invalid_input.
func Validate(kind Kind, params Params) error {
	if !kind.Valid() {
		return errdefs.E(errdefs.ErrInvalidInput, "unknown transformation kind %q", kind)
	}
	specs := schemas[kind]
	byName := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	for key, value := range params {
		spec, ok := byName[key]
		if !ok {
			return errdefs.E(errdefs.ErrInvalidInput, "parameter %q is not valid for kind %q", key, kind)
		}
		if err := checkValue(kind, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(kind Kind, spec ParamSpec, value interface{}) error {
	switch spec.Type {
	case "int":
		n, ok := intValue(value)
		if !ok {
			return errdefs.E(errdefs.ErrInvalidInput, "parameter %q must be an integer", spec.Name)
		}
		if n < spec.Min || n > spec.Max {
			return errdefs.E(errdefs.ErrInvalidInput,
				"parameter %q must be between %d and %d", spec.Name, spec.Min, spec.Max)
		}
	case "enum":
		s, ok := value.(string)
		if !ok {
			return errdefs.E(errdefs.ErrInvalidInput, "parameter %q must be a string", spec.Name)
		}
		for _, allowed := range spec.Enum {
			if s == allowed {
				return nil
			}
		}
		return errdefs.E(errdefs.ErrInvalidInput, "parameter %q has unsupported value %q", spec.Name, s)
	case "string":
		s, ok := value.(string)
		if !ok {
			return errdefs.E(errdefs.ErrInvalidInput, "parameter %q must be a string", spec.Name)
		}
		if spec.MaxLen > 0 && len(s) > spec.MaxLen {
			return errdefs.E(errdefs.ErrInvalidInput,
				"parameter %q exceeds %d characters", spec.Name, spec.MaxLen)
		}
	case "string_list":
		items, ok := stringList(value)
		if !ok {
			return errdefs.E(errdefs.ErrInvalidInput, "parameter %q must be a list of strings", spec.Name)
		}
		_ = items
	default:
		return errdefs.E(errdefs.ErrFatal, "kind %q has malformed schema entry %q", kind, spec.Name)
	}
	return nil
}

// intValue accepts the numeric shapes JSON decoding and database
// round-trips produce.
func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

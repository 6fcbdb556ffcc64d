package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// rootLabel names the top-level value in error messages, where there
// is no property path yet.
const rootLabel = "parameter"

// Validate checks args against s and returns one message per violated
// constraint. An empty result means args satisfies s.
//
// Output is deterministic: missing required properties first, in the
// order listed in Required, then declared properties in declaration
// order, then array elements by ascending index. Properties that s
// does not declare are ignored. A value of the wrong type is reported
// once and not inspected further. A nil args is validated as an empty
// object.
func Validate(s *Schema, args map[string]any) []string {
	if s == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	root := *s
	if root.Type == "" {
		root.Type = TypeObject
	}
	return validate(args, &root, "")
}

func validate(val any, s *Schema, path string) []string {
	if s == nil {
		return nil
	}
	label := path
	if label == "" {
		label = rootLabel
	}

	if s.Type != "" && !matchesType(val, s.Type) {
		return []string{fmt.Sprintf("%s should be %s", label, s.Type)}
	}

	var errs []string
	if len(s.Enum) > 0 && !inEnum(val, s.Enum) {
		errs = append(errs, fmt.Sprintf("%s must be one of %s", label, formatEnum(s.Enum)))
	}

	switch s.Type {
	case TypeInteger, TypeNumber:
		n, _ := toFloat(val)
		if s.Minimum != nil && n < *s.Minimum {
			errs = append(errs, fmt.Sprintf("%s must be >= %s", label, formatNumber(*s.Minimum)))
		}
		if s.Maximum != nil && n > *s.Maximum {
			errs = append(errs, fmt.Sprintf("%s must be <= %s", label, formatNumber(*s.Maximum)))
		}

	case TypeString:
		n := utf8.RuneCountInString(val.(string))
		if s.MinLength != nil && n < *s.MinLength {
			errs = append(errs, fmt.Sprintf("%s must be at least %d chars", label, *s.MinLength))
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			errs = append(errs, fmt.Sprintf("%s must be at most %d chars", label, *s.MaxLength))
		}

	case TypeObject:
		obj := val.(map[string]any)
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				errs = append(errs, "missing required "+join(path, name))
			}
		}
		for _, p := range s.Properties {
			v, ok := obj[p.Name]
			if !ok {
				continue
			}
			errs = append(errs, validate(v, p.Schema, join(path, p.Name))...)
		}

	case TypeArray:
		if s.Items == nil {
			break
		}
		rv := reflect.ValueOf(val)
		for i := 0; i < rv.Len(); i++ {
			errs = append(errs, validate(rv.Index(i).Interface(), s.Items, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}

	return errs
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// matchesType reports whether val has the JSON type typ. Unknown type
// names match anything.
func matchesType(val any, typ string) bool {
	switch typ {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeBoolean:
		_, ok := val.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(val)
		return ok
	case TypeInteger:
		return isIntegral(val)
	case TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case TypeArray:
		if val == nil {
			return false
		}
		k := reflect.TypeOf(val).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeNull:
		return val == nil
	default:
		return true
	}
}

// toFloat converts Go numeric values to float64. Strings and booleans
// are never numbers.
func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isIntegral(val any) bool {
	switch v := val.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return true
		}
	}
	f, ok := toFloat(val)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return false
	}
	return f == math.Trunc(f)
}

func inEnum(val any, enum []any) bool {
	for _, e := range enum {
		if equalValues(val, e) {
			return true
		}
	}
	return false
}

// equalValues compares scalars, treating all numeric kinds as equal
// when their values match (JSON decodes 3 as float64, Go code writes 3).
func equalValues(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func formatEnum(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		if f, ok := toFloat(e); ok {
			parts[i] = formatNumber(f)
			continue
		}
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

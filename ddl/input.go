package ddl

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Validate checks a single value against the input declaration.
func (in Input) Validate(v any) error {
	switch in.Type {
	case TypeAny:
		return nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", v)
		}
		return in.checkString(s)
	case TypeList:
		s := fmt.Sprint(v)
		for _, allowed := range in.List {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", s, strings.Join(in.List, ", "))
	case TypeInteger:
		if !isInteger(v) {
			return fmt.Errorf("expected an integer, got %T", v)
		}
	case TypeFloat, TypeNumber:
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("expected a number, got %T", v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected a boolean, got %T", v)
		}
	case TypeArray:
		switch v.(type) {
		case []any, []string, []int, []float64:
		default:
			return fmt.Errorf("expected an array, got %T", v)
		}
	case TypeHash:
		switch v.(type) {
		case map[string]any, map[string]string:
		default:
			return fmt.Errorf("expected a hash, got %T", v)
		}
	default:
		return fmt.Errorf("unknown input type %q", in.Type)
	}
	return nil
}

func (in Input) checkString(s string) error {
	if in.MaxLength > 0 && len(s) > in.MaxLength {
		return fmt.Errorf("longer than %d characters", in.MaxLength)
	}
	if in.Validation != "" {
		re, err := regexp.Compile(in.Validation)
		if err != nil {
			return fmt.Errorf("bad validation pattern: %w", err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%q does not match %s", s, in.Validation)
		}
	}
	return nil
}

// Convert turns a command line string into the declared type.
func (in Input) Convert(s string) (any, error) {
	switch in.Type {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		return n, nil
	case TypeFloat, TypeNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return f, nil
	case TypeBoolean:
		switch strings.ToLower(s) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", s)
	case TypeArray, TypeHash:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%q is not valid JSON: %w", s, err)
		}
		return v, nil
	default:
		return s, nil
	}
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		// JSON decoding turns every number into float64
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Coerce converts v to t. Only a true null (nil) is a missing value, and
// int columns do not accept it. An empty string is a value and fails
// every type except string.
func Coerce(v any, t Type) (any, error) {
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
		if v == "" && t != TypeString {
			return nil, fmt.Errorf("cannot convert empty string to %s", t)
		}
	}
	if v == nil {
		if t == TypeInt {
			return nil, fmt.Errorf("cannot convert missing value to int")
		}
		return nil, nil
	}

	switch t {
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeString:
		return toString(v), nil
	case TypeBool:
		return toBool(v)
	case TypeDatetime:
		return toDatetime(v)
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}

// toInt only accepts lossless conversions.
func toInt(v any) (any, error) {
	switch x := v.(type) {
	case float32:
		v = float64(x)
	case string:
		s, err := decimalString(x)
		if err != nil {
			return nil, err
		}
		v = s
	}
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f)) {
		return nil, fmt.Errorf("cannot convert %v to int without loss", f)
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %v to int: %w", v, err)
	}
	return n, nil
}

// decimalString strips leading zeros so "010" reads as ten, and rejects
// forms that are not plain base 10.
func decimalString(s string) (string, error) {
	sign := ""
	digits := s
	if strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		sign, digits = digits[:1], digits[1:]
	}
	if digits == "" || strings.ContainsAny(digits, "_xXbBoO") {
		return "", fmt.Errorf("cannot convert %q to int", s)
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" || digits[0] == '.' {
		digits = "0" + digits
	}
	return sign + digits, nil
}

func toFloat(v any) (any, error) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %v to float: %w", v, err)
	}
	return f, nil
}

func toString(v any) string {
	if ts, ok := v.(time.Time); ok {
		return ts.Format("2006-01-02 15:04:05")
	}
	return cast.ToString(v)
}

func toBool(v any) (any, error) {
	if s, ok := v.(string); ok {
		v = strings.ToLower(s)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %v to bool: %w", v, err)
	}
	return b, nil
}

// toDatetime parses strings in UTC. Numbers are not taken as epochs.
func toDatetime(v any) (any, error) {
	switch v.(type) {
	case time.Time, string:
	default:
		return nil, fmt.Errorf("cannot convert %T to datetime", v)
	}
	ts, err := cast.ToTimeInDefaultLocationE(v, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %v to datetime: %w", v, err)
	}
	return ts, nil
}

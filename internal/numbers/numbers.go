package numbers

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ExtractFloat converts the scalar shapes the exchange API mixes freely
// (stringified decimals, raw numbers) into float64.
func ExtractFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if v == "" {
			return 0, fmt.Errorf("empty string")
		}
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported float type %T", val)
	}
}

// ParseFloat is ExtractFloat for the common string case, with the field name
// included in the error so decode failures point at the offending field.
func ParseFloat(field, raw string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s: empty value", field)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return f, nil
}

package normalization

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/correlator-io/seeder/internal/quality"
)

// TransformationError reports a failed transform function or type conversion.
// It is logged and the field omitted; the record itself is kept.
type TransformationError struct {
	Field string
	Step  string
	Err   error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("transformation %s failed for field %s: %v", e.Step, e.Field, e.Err)
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

// Convert converts v to typ using deterministic rules. Arrays split strings
// on delimiter; dates accept the pipeline's timestamp layouts or unix seconds
// and are emitted as RFC3339 UTC strings.
func Convert(v any, typ FieldType, delimiter string) (any, error) {
	switch typ {
	case TypeString:
		return toString(v)
	case TypeNumber:
		return toNumber(v)
	case TypeBoolean:
		return toBool(v)
	case TypeDate:
		return toDate(v)
	case TypeArray:
		return toArray(v, delimiter), nil
	case TypeObject:
		return toObject(v)
	default:
		return nil, fmt.Errorf("unknown field type %q", typ)
	}
}

func toString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case nil:
		return "", fmt.Errorf("cannot convert nil to string")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}

		return string(b), nil
	}
}

// toNumber rejects NaN and infinities: they have no JSON encoding, so a
// record carrying one could not be persisted or delivered.
func toNumber(v any) (float64, error) {
	f, err := parseNumber(v)
	if err != nil {
		return 0, err
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteNumber, v)
	}

	return f, nil
}

// checkFinite fails for float values that toNumber would reject.
func checkFinite(v any) error {
	var f float64

	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrNonFiniteNumber, f)
	}

	return nil
}

func parseNumber(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case bool:
		if val {
			return 1, nil
		}

		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", val)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		return val != 0, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, nil
		case "false", "f", "no", "n", "off", "0":
			return false, nil
		}

		return false, fmt.Errorf("cannot convert %q to boolean", val)
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func toDate(v any) (string, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case float64:
		return time.Unix(int64(val), 0).UTC().Format(time.RFC3339), nil
	case int64:
		return time.Unix(val, 0).UTC().Format(time.RFC3339), nil
	case string:
		ts, ok := quality.ParseTimestamp(val)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidDate, val)
		}

		return ts.UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidDate, v)
	}
}

func toArray(v any, delimiter string) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, 0, len(val))
		for _, s := range val {
			out = append(out, s)
		}

		return out
	case string:
		out := []any{}

		for _, part := range strings.Split(val, delimiter) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}

		return out
	default:
		return []any{val}
	}
}

func toObject(v any) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("cannot convert string to object: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to object", v)
	}
}

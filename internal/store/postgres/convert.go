package postgres

// convert.go turns values decoded by pgx into the scalar set rows carry
// across the store boundary: nil, bool, int64, float64, string, time.Time.
//
// Numerics become strings so that no precision is lost on the way to the
// snapshot. JSON and array columns become their JSON text. Binary columns
// have no scalar form and fail the row.

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

func convertValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, string, time.Time:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("non-finite float %v", x)
		}
		return x, nil
	case float32:
		return convertValue(float64(x))
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case pgtype.UUID:
		if !x.Valid {
			return nil, nil
		}
		return uuid.UUID(x.Bytes).String(), nil
	case pgtype.Numeric:
		return numericToString(x)
	case pgtype.Text:
		if !x.Valid {
			return nil, nil
		}
		return x.String, nil
	case []byte:
		return nil, fmt.Errorf("binary value of %d bytes has no scalar form", len(x))
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode %T as JSON: %w", x, err)
		}
		return string(b), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, fmt.Errorf("value of %T: %w", x, err)
		}
		if _, again := dv.(driver.Valuer); again {
			return nil, fmt.Errorf("unsupported value type %T", x)
		}
		return convertValue(dv)
	case fmt.Stringer:
		return x.String(), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func numericToString(n pgtype.Numeric) (any, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("non-finite numeric")
	}
	dv, err := n.Value()
	if err != nil {
		return nil, fmt.Errorf("numeric value: %w", err)
	}
	s, ok := dv.(string)
	if !ok {
		return nil, fmt.Errorf("numeric value has type %T", dv)
	}
	return s, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ColumnKind int

const (
	ColumnString ColumnKind = iota
	ColumnDecimal
	ColumnDate
	ColumnRef
	ColumnBool
)

// ColumnSet maps a canonical column name to the kind its values are stored as.
type ColumnSet map[string]ColumnKind

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// Coerce converts a mapped value into the Go type stored in the column.
// The ledger reports empty values as false; those become nil (or zero for
// decimals) for every kind except bool.
func (s ColumnSet) Coerce(column string, value interface{}) (interface{}, error) {
	kind, ok := s[column]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", column)
	}
	if b, isBool := value.(bool); isBool && !b && kind != ColumnBool {
		value = nil
	}
	switch kind {
	case ColumnString:
		return coerceString(value), nil
	case ColumnDecimal:
		return coerceDecimal(value)
	case ColumnDate:
		return coerceDate(value)
	case ColumnRef:
		return coerceRef(value)
	case ColumnBool:
		return coerceBool(value)
	}
	return value, nil
}

// CoerceAll coerces every known column. Unknown columns are returned separately.
func (s ColumnSet) CoerceAll(values map[string]interface{}) (map[string]interface{}, []string, error) {
	out := make(map[string]interface{}, len(values))
	var unknown []string
	for column, value := range values {
		if _, ok := s[column]; !ok {
			unknown = append(unknown, column)
			continue
		}
		v, err := s.Coerce(column, value)
		if err != nil {
			return nil, unknown, fmt.Errorf("column %s: %w", column, err)
		}
		out[column] = v
	}
	return out, unknown, nil
}

func coerceString(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []interface{}:
		// relation tuple [id, label]
		if len(v) == 2 {
			return coerceString(v[1])
		}
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func coerceDecimal(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint:
		return decimal.NewFromInt(int64(v)), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	}
	return nil, fmt.Errorf("cannot convert %T to decimal", value)
}

func coerceDate(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("invalid date %q", v)
	}
	return nil, fmt.Errorf("cannot convert %T to date", value)
}

func coerceRef(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case uint:
		return v, nil
	case int:
		if v < 0 {
			return nil, fmt.Errorf("negative reference %d", v)
		}
		return uint(v), nil
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("negative reference %d", v)
		}
		return uint(v), nil
	case float64:
		if v < 0 || v != float64(uint(v)) {
			return nil, fmt.Errorf("invalid reference %v", v)
		}
		return uint(v), nil
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid reference %q", v.String())
		}
		return uint(n), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid reference %q", v)
		}
		return uint(n), nil
	}
	return nil, fmt.Errorf("cannot convert %T to reference", value)
}

func coerceBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case json.Number:
		return v.String() != "0", nil
	case float64:
		return v != 0, nil
	}
	return nil, fmt.Errorf("cannot convert %T to bool", value)
}

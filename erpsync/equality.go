package erpsync

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var numericTolerance = decimal.NewFromFloat(0.01)

var folder = cases.Fold()

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ValuesEqual reports whether a mapped value and a stored canonical value are
// the same for change detection. The rule is symmetric.
func ValuesEqual(a, b interface{}) bool {
	a, b = deref(a), deref(b)

	aBlank, bBlank := isBlank(a), isBlank(b)
	if aBlank && bBlank {
		return true
	}
	if aBlank || bBlank {
		return false
	}

	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := asTime(a)
		tb, okB := asTime(b)
		return okA && okB && ta.UnixMilli() == tb.UnixMilli()
	}

	if da, ok := asDecimal(a); ok {
		if db, ok := asDecimal(b); ok {
			return da.Sub(db).Abs().LessThan(numericTolerance)
		}
	}

	if isComposite(a) && isComposite(b) {
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ja) == string(jb)
	}

	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return normalizeString(sa) == normalizeString(sb)
		}
	}

	return reflect.DeepEqual(a, b)
}

func normalizeString(s string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(s)))
}

func deref(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func isComposite(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		_, isTime := v.(time.Time)
		_, isDec := v.(decimal.Decimal)
		return !isTime && !isDec
	}
	return false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func asDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Decimal{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

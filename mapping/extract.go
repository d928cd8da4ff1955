package mapping

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var indexedField = regexp.MustCompile(`^([^\[\]]+)\[(\d+)\]$`)

// ExtractSourceValue reads a source field from a raw ledger payload.
// "name" reads payload["name"]; "name[i]" reads element i of a relation pair.
// Missing or malformed input yields nil.
func ExtractSourceValue(raw map[string]interface{}, field string) interface{} {
	field = strings.TrimSpace(field)
	if raw == nil || field == "" {
		return nil
	}
	m := indexedField.FindStringSubmatch(field)
	if m == nil {
		if strings.ContainsAny(field, "[]") {
			return nil
		}
		return raw[field]
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	pair, ok := raw[m[1]].([]interface{})
	if !ok || len(pair) != 2 || idx >= len(pair) {
		return nil
	}
	return pair[idx]
}

// Stringify renders an extracted value the way transformations receive it.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// parseExternalId accepts "12" and integral decimals such as "12.0".
func parseExternalId(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

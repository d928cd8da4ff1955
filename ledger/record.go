package ledger

import (
	"encoding/json"
	"strconv"
)

// Record is one raw row as returned by read. Values keep their JSON shape:
// numbers are json.Number, relations are [id, label] pairs and empty values are false.
type Record map[string]interface{}

// ID returns the record's "id" field.
func (r Record) ID() (int64, bool) {
	return AsInt64(r["id"])
}

// IDs returns an integer list field such as invoice_line_ids.
func (r Record) IDs(field string) []int64 {
	list, ok := r[field].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(list))
	for _, v := range list {
		if n, ok := AsInt64(v); ok {
			out = append(out, n)
		}
	}
	return out
}

// RelationID returns the id half of a many2one [id, label] value.
func (r Record) RelationID(field string) (int64, bool) {
	pair, ok := r[field].([]interface{})
	if !ok || len(pair) == 0 {
		return 0, false
	}
	return AsInt64(pair[0])
}

// AsInt64 accepts the numeric shapes a decoded payload can hold.
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

package ledger

// Condition is one (field, operator, value) triple.
type Condition struct {
	Field    string
	Operator string
	Value    interface{}
}

// Domain is a conjunction of conditions.
type Domain []Condition

func Where(field, operator string, value interface{}) Condition {
	return Condition{Field: field, Operator: operator, Value: value}
}

func (d Domain) encode() []interface{} {
	out := make([]interface{}, 0, len(d))
	for _, c := range d {
		out = append(out, []interface{}{c.Field, c.Operator, c.Value})
	}
	return out
}

package mapping

import (
	"encoding/json"
	"testing"
)

func TestExtractSourceValue(t *testing.T) {
	raw := map[string]interface{}{
		"name":       "INV/2024/0001",
		"country_id": []interface{}{json.Number("12"), "Chile"},
		"partner_id": false,
		"tags":       []interface{}{1, 2, 3},
	}
	tests := []struct {
		field string
		want  interface{}
	}{
		{"name", "INV/2024/0001"},
		{"country_id[1]", "Chile"},
		{"country_id[0]", json.Number("12")},
		{"country_id[2]", nil},
		{"partner_id[0]", nil},
		{"tags[0]", nil},
		{"missing", nil},
		{"missing[1]", nil},
		{"name[", nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := ExtractSourceValue(raw, tt.field); got != tt.want {
			t.Fatalf("ExtractSourceValue(%q) = %#v, want %#v", tt.field, got, tt.want)
		}
	}
}

func TestExtractSourceValueNilPayload(t *testing.T) {
	if got := ExtractSourceValue(nil, "name"); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{json.Number("12"), "12"},
		{float64(55), "55"},
		{12.5, "12.5"},
		{false, "false"},
		{[]interface{}{1.0, "x"}, `[1,"x"]`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Fatalf("Stringify(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseExternalId(t *testing.T) {
	if n, ok := parseExternalId(" 42 "); !ok || n != 42 {
		t.Fatalf("expected 42, got %d %v", n, ok)
	}
	if n, ok := parseExternalId("42.0"); !ok || n != 42 {
		t.Fatalf("expected 42 from decimal, got %d %v", n, ok)
	}
	if _, ok := parseExternalId("false"); ok {
		t.Fatalf("expected false to be rejected")
	}
	if _, ok := parseExternalId("4.5"); ok {
		t.Fatalf("expected fractional id to be rejected")
	}
}

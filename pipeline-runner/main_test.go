package main

import (
	"reflect"
	"testing"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{raw: "3", want: 3},
		{raw: "2.5", want: 2.5},
		{raw: "true", want: true},
		{raw: `"quoted"`, want: "quoted"},
		{raw: "plain text", want: "plain text"},
		{raw: "[1, 2.5]", want: []any{1, 2.5}},
		{raw: "1 2", want: "1 2"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseValue(%q)=%#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestParamFlags(t *testing.T) {
	p := paramFlags{}
	if err := p.Set("factor=4"); err != nil {
		t.Fatalf("Set() err=%v", err)
	}
	if err := p.Set("missing-equals"); err == nil {
		t.Fatalf("expected format error")
	}
	if p["factor"] != 4 || p.String() != "factor" {
		t.Fatalf("params=%v", p)
	}
}

package state

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		in   any
		want any
	}{
		{"number from int", KindNumber, 8, float64(8)},
		{"number from string", KindNumber, " 8.5 ", 8.5},
		{"number from json.Number", KindNumber, json.Number("42"), float64(42)},
		{"bool from bool", KindBool, true, true},
		{"bool from string", KindBool, "false", false},
		{"bool from one", KindBool, json.Number("1"), true},
		{"string from number", KindString, 72.0, "72"},
		{"string from bool", KindString, true, "true"},
		{"null", KindNumber, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalize(tc.kind, tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("normalize(%s, %#v) = %#v, want %#v", tc.kind, tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	cases := []struct {
		kind Kind
		in   any
	}{
		{KindNumber, "eight"},
		{KindNumber, ""},
		{KindNumber, "NaN"},
		{KindNumber, "-Inf"},
		{KindNumber, json.Number("+Inf")},
		{KindNumber, math.NaN()},
		{KindNumber, math.Inf(1)},
		{KindString, math.Inf(-1)},
		{KindBool, json.Number("2")},
		{KindBool, "maybe"},
		{KindString, []any{"x"}},
		{KindUnknown, "x"},
	}
	for _, tc := range cases {
		if _, err := normalize(tc.kind, tc.in); err == nil {
			t.Errorf("normalize(%s, %#v) succeeded, want error", tc.kind, tc.in)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{72.0: "72", 1.37: "1.37", -0.5: "-0.5"}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Errorf("formatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestEqual_AnyKind(t *testing.T) {
	a, _ := normalize(KindAny, map[string]any{"time": json.Number("700"), "on": true})
	b, _ := normalize(KindAny, map[string]any{"time": 700.0, "on": true})
	if !equal(a, b) {
		t.Errorf("equal(%v, %v) = false", a, b)
	}
	if equal(float64(1), "1") {
		t.Error("number should not equal string")
	}
}

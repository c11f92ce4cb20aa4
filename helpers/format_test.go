package helpers

import "testing"

func TestFormatCompact(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0.00"},
		{12.345, "12.35"},
		{999.99, "999.99"},
		{1000, "1.00k"},
		{15300, "15.30k"},
		{2500000, "2.50M"},
		{1200000000, "1.20B"},
		{-15300, "-15.30k"},
	}
	for _, c := range cases {
		if got := FormatCompact(c.in); got != c.want {
			t.Errorf("FormatCompact(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "$0"},
		{999, "$999"},
		{1000, "$1,000"},
		{1234567.89, "$1,234,567"},
		{-56789, "$-56,789"},
	}
	for _, c := range cases {
		if got := FormatUSD(c.in); got != c.want {
			t.Errorf("FormatUSD(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFloatFromAny(t *testing.T) {
	if v, ok := FloatFromAny("123.5"); !ok || v != 123.5 {
		t.Errorf("string: %v %v", v, ok)
	}
	if v, ok := FloatFromAny(42.0); !ok || v != 42.0 {
		t.Errorf("float64: %v %v", v, ok)
	}
	if _, ok := FloatFromAny(nil); ok {
		t.Error("nil should not convert")
	}
	if _, ok := FloatFromAny("not a number"); ok {
		t.Error("junk string should not convert")
	}
}

func TestInt64FromAny(t *testing.T) {
	if v, ok := Int64FromAny("12345"); !ok || v != 12345 {
		t.Errorf("string: %v %v", v, ok)
	}
	if v, ok := Int64FromAny(99.0); !ok || v != 99 {
		t.Errorf("float64: %v %v", v, ok)
	}
	if _, ok := Int64FromAny(nil); ok {
		t.Error("nil should not convert")
	}
}

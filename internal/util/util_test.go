package util

import (
	"testing"
)

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(16)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	b, _ := RandomHex(16)
	if a == b {
		t.Error("expected distinct random values")
	}
}

func TestFoldEmail(t *testing.T) {
	cases := map[string]string{
		"a@x.com":       "a@x.com",
		"  A@X.Com ":    "a@x.com",
		"ＡＤＭＩＮ@x.com": "admin@x.com",
	}
	for in, want := range cases {
		if got := FoldEmail(in); got != want {
			t.Errorf("FoldEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not wiped", i)
		}
	}
}

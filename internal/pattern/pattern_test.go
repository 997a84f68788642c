package pattern

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCompileValidPattern(t *testing.T) {
	m, err := Compile(`free\s+nitro`, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.MatchString("FREE Nitro giveaway") {
		t.Error("case-insensitive match expected")
	}
	if m.MatchString("paid subscription") {
		t.Error("unexpected match")
	}
}

func TestCompileInvalidSyntax(t *testing.T) {
	if _, err := Compile(`(unclosed`, 0); err == nil {
		t.Fatal("invalid syntax should be rejected")
	}
}

func TestCompileRejectsCatastrophicBacktracking(t *testing.T) {
	_, err := Compile(`(a+)+b`, 50*time.Millisecond)
	if err == nil {
		t.Fatal("ReDoS-prone pattern should be rejected")
	}
	if !errors.Is(err, ErrProbeTimeout) {
		t.Errorf("want ErrProbeTimeout, got: %v", err)
	}
}

func TestCompileRejectsNestedQuantifier(t *testing.T) {
	if _, err := Compile(`(a|a)*$`, 50*time.Millisecond); err == nil {
		t.Fatal("nested-alternation pattern should be rejected")
	}
}

func TestSafePatternStaysFast(t *testing.T) {
	m, err := Compile(`scam|phish|grief`, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := strings.Repeat("x", 10000) + " phishing link"
	start := time.Now()
	if !m.MatchString(input) {
		t.Error("expected match")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("match took too long: %s", elapsed)
	}
}

func TestFindString(t *testing.T) {
	m, err := Compile(`cr[y1]pto`, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got, ok := m.FindString("join my Cr1pto group")
	if !ok {
		t.Fatal("expected a match")
	}
	if got != "Cr1pto" {
		t.Errorf("matched text = %q, want %q", got, "Cr1pto")
	}
	if _, ok := m.FindString("nothing here"); ok {
		t.Error("unexpected match")
	}
}

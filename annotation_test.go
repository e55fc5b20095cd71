package main

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeAnnotation(t *testing.T) {
	got, err := EncodeAnnotation(KindHedge, 48213377, DefaultMaxAnnotationLen)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != "HEDGE:48213377" {
		t.Fatalf("got %q", got)
	}

	if _, err := EncodeAnnotation(KindOriginal, 1, 31); err == nil {
		t.Fatal("roots must not carry a linkage")
	}
	if _, err := EncodeAnnotation(KindGrid, 0, 31); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("zero parent: %v", err)
	}
}

func TestEncodeAnnotationOverflow(t *testing.T) {
	parent := PositionID(1234567890123456789)
	_, err := EncodeAnnotation(KindGrid, parent, 12)
	if !errors.Is(err, ErrAnnotationOverflow) {
		t.Fatalf("want overflow, got %v", err)
	}
	s, err := EncodeAnnotation(KindGrid, parent, 0)
	if err != nil || !strings.HasSuffix(s, "1234567890123456789") {
		t.Fatalf("no limit: %q %v", s, err)
	}
}

func TestParseAnnotation(t *testing.T) {
	cases := []struct {
		raw    string
		class  annotationClass
		kind   MemberKind
		parent PositionID
	}{
		{"", annotationNone, 0, 0},
		{"manual entry", annotationNone, 0, 0},
		{"GRID:100", annotationLinked, KindGrid, 100},
		{"hedge:42", annotationLinked, KindHedge, 42},
		{" DCA:7 ", annotationLinked, KindDca, 7},
		{"HEDGE:", annotationMalformed, KindHedge, 0},
		{"GRID:abc", annotationMalformed, KindGrid, 0},
		{"HEDG", annotationMalformed, 0, 0},
		{"HED:12", annotationMalformed, 0, 0},
		{"G1-12345", annotationMalformed, 0, 0},
		{"H-12345", annotationMalformed, 0, 0},
		{"Grid L2 - 555", annotationMalformed, 0, 0},
		{"ABC:12", annotationNone, 0, 0},
	}
	for _, c := range cases {
		got := ParseAnnotation(c.raw)
		if got.class != c.class {
			t.Errorf("%q: class %d, want %d", c.raw, got.class, c.class)
			continue
		}
		if c.class == annotationLinked && (got.kind != c.kind || got.parent != c.parent) {
			t.Errorf("%q: got %s:%d", c.raw, got.kind, got.parent)
		}
		if c.class == annotationMalformed && got.reason == "" {
			t.Errorf("%q: malformed without reason", c.raw)
		}
	}
}

func TestAnnotationRoundTrip(t *testing.T) {
	for _, k := range recoveryKinds {
		s, err := EncodeAnnotation(k, 987654321, DefaultMaxAnnotationLen)
		if err != nil {
			t.Fatal(err)
		}
		pa := ParseAnnotation(s)
		if pa.class != annotationLinked || pa.kind != k || pa.parent != 987654321 {
			t.Fatalf("%s: %+v", s, pa)
		}
	}
}

package offset

import "testing"

func TestOffsetString(t *testing.T) {
	tests := []struct {
		name     string
		offset   Offset
		expected string
	}{
		{name: "zero offset", offset: Offset{}, expected: "0000000000000000_0000000000000000"},
		{name: "simple offset", offset: Offset{ReadSeq: 0, ByteOffset: 11}, expected: "0000000000000000_0000000000000011"},
		{name: "large offset", offset: Offset{ReadSeq: 1, ByteOffset: 1234567890}, expected: "0000000000000001_0000001234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.offset.String(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tail := Offset{ReadSeq: 2, ByteOffset: 500}

	tests := []struct {
		name        string
		input       string
		expected    Offset
		expectError bool
	}{
		{name: "empty string", input: "", expected: Zero},
		{name: "minus one sentinel", input: "-1", expected: Zero},
		{name: "now sentinel resolves to tail", input: "now", expected: tail},
		{name: "well-formed offset", input: "0000000000000001_0000001234567890", expected: Offset{ReadSeq: 1, ByteOffset: 1234567890}},
		{name: "missing underscore", input: "123", expectError: true},
		{name: "two underscores", input: "1_2_3", expectError: true},
		{name: "leading underscore", input: "_123", expectError: true},
		{name: "trailing underscore", input: "123_", expectError: true},
		{name: "non-digit", input: "12a_34", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tail)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for input %q, got none", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestCompareAndOrdering(t *testing.T) {
	a := Offset{ReadSeq: 0, ByteOffset: 10}
	b := Offset{ReadSeq: 0, ByteOffset: 20}
	c := Offset{ReadSeq: 1, ByteOffset: 0}

	if !a.LessThan(b) {
		t.Errorf("expected %+v < %+v", a, b)
	}
	if !b.LessThan(c) {
		t.Errorf("expected a resurrection's zero offset to sort after any offset from the prior incarnation: %+v < %+v", b, c)
	}
	if !a.Equal(a) {
		t.Errorf("expected offset to equal itself")
	}
	if !c.GreaterThan(b) {
		t.Errorf("expected %+v > %+v", c, b)
	}
	if !a.LessThanOrEqual(a) {
		t.Errorf("expected LessThanOrEqual to hold for equal offsets")
	}
}

func TestAddStaysWithinIncarnation(t *testing.T) {
	start := AtIncarnation(3)
	next := start.Add(42)
	if next.ReadSeq != 3 {
		t.Errorf("expected Add to preserve ReadSeq, got %d", next.ReadSeq)
	}
	if next.ByteOffset != 42 {
		t.Errorf("expected ByteOffset 42, got %d", next.ByteOffset)
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Errorf("expected Zero.IsZero() to be true")
	}
	if (Offset{ReadSeq: 1}).IsZero() {
		t.Errorf("expected a nonzero ReadSeq to make IsZero false")
	}
}

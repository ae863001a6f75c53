package version

import "testing"

func TestString(t *testing.T) {
	if got, want := String(), "structlink dev (unknown) built unknown"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("odd number of attrs: %v", attrs)
	}
	if attrs[0] != "version" || attrs[1] != Version {
		t.Errorf("attrs = %v", attrs)
	}
}

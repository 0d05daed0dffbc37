package nodeid

import "testing"

func TestNew_deterministic(t *testing.T) {
	old := hostname
	defer func() { hostname = old }()
	hostname = func() (string, error) { return "box1", nil }

	a, err := New(42)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	b, err := New(42)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if a != b {
		t.Fatalf(`expected same id for same seed, got %q and %q`, a, b)
	}

	c, err := New(43)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if a == c {
		t.Fatalf(`expected different ids for different seeds, both %q`, a)
	}
}

func TestNew_randomSeedZero(t *testing.T) {
	old := hostname
	defer func() { hostname = old }()
	hostname = func() (string, error) { return "box1", nil }

	a, err := New(0)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	b, err := New(0)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if a == b {
		t.Fatalf(`expected random ids to differ, both %q`, a)
	}
}

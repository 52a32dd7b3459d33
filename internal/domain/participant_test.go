package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	if err := ValidateName("Alice"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if err := ValidateName(""); !errors.Is(err, ErrNameEmpty) {
		t.Fatalf("empty name: %v", err)
	}
	if err := ValidateName(strings.Repeat("x", MaxNameLen)); err != nil {
		t.Fatalf("name at limit rejected: %v", err)
	}
	if err := ValidateName(strings.Repeat("x", MaxNameLen+1)); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("oversized name: %v", err)
	}
}

func TestFacingDelta(t *testing.T) {
	cases := []struct {
		f      Facing
		dx, dy float64
	}{
		{FacingUp, 0, -1},
		{FacingDown, 0, 1},
		{FacingLeft, -1, 0},
		{FacingRight, 1, 0},
		{Facing("sideways"), 0, 0},
	}
	for _, tc := range cases {
		dx, dy := tc.f.Delta()
		if dx != tc.dx || dy != tc.dy {
			t.Fatalf("%s delta = (%v, %v), want (%v, %v)", tc.f, dx, dy, tc.dx, tc.dy)
		}
	}
	if Facing("sideways").Valid() {
		t.Fatalf("bogus facing validated")
	}
	if !FacingUp.Valid() {
		t.Fatalf("up rejected")
	}
}

func TestDistanceTo(t *testing.T) {
	a := Position{X: 0, Y: 0}
	b := Position{X: 3, Y: 4}
	if got := a.DistanceTo(b); got != 5 {
		t.Fatalf("distance = %v, want 5", got)
	}
	if got := b.DistanceTo(b); got != 0 {
		t.Fatalf("self distance = %v", got)
	}
}

package step

import (
	"testing"

	"github.com/yk9331/bear-plus/internal/doc"
)

func TestStepMapReplace(t *testing.T) {
	// Replace [2,5) with two characters.
	m := NewStepMap([]int{2, 3, 2})

	tests := []struct {
		name string
		pos  int
		bias int
		want int
	}{
		{"before range", 0, 1, 0},
		{"at start sticks left", 2, 1, 2},
		{"at end sticks right", 5, -1, 4},
		{"inside with left bias", 3, -1, 2},
		{"inside with right bias", 3, 1, 4},
		{"after range shifts by delta", 7, 1, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Map(tt.pos, tt.bias); got != tt.want {
				t.Errorf("Map(%d, %d) = %d, want %d", tt.pos, tt.bias, got, tt.want)
			}
		})
	}
}

func TestStepMapInsertion(t *testing.T) {
	// Pure insertion of four characters at position 3: bias decides which
	// side of the insertion a position at the insertion point lands on.
	m := NewStepMap([]int{3, 0, 4})

	if got := m.Map(3, -1); got != 3 {
		t.Errorf("Map(3, -1) = %d, want 3", got)
	}
	if got := m.Map(3, 1); got != 7 {
		t.Errorf("Map(3, 1) = %d, want 7", got)
	}
	if got := m.Map(5, -1); got != 9 {
		t.Errorf("Map(5, -1) = %d, want 9", got)
	}
}

func TestStepMapDeletion(t *testing.T) {
	// Deletion of [1,4): positions inside collapse to the deletion point
	// regardless of bias.
	m := NewStepMap([]int{1, 3, 0})

	if got := m.Map(2, -1); got != 1 {
		t.Errorf("Map(2, -1) = %d, want 1", got)
	}
	if got := m.Map(2, 1); got != 1 {
		t.Errorf("Map(2, 1) = %d, want 1", got)
	}
	if got := m.Map(6, 1); got != 3 {
		t.Errorf("Map(6, 1) = %d, want 3", got)
	}
}

func TestMappingComposes(t *testing.T) {
	// Insert two characters at 0, then delete [5,6) in the new
	// coordinates. A position at 4 moves to 6, then sits at the edge of
	// the deletion.
	mapping := NewMapping(
		NewStepMap([]int{0, 0, 2}),
		NewStepMap([]int{5, 1, 0}),
	)

	if got := mapping.Map(4, -1); got != 5 {
		t.Errorf("Map(4, -1) = %d, want 5", got)
	}
	if got := mapping.Map(8, 1); got != 9 {
		t.Errorf("Map(8, 1) = %d, want 9", got)
	}
	if mapping.Len() != 2 {
		t.Errorf("Len() = %d, want 2", mapping.Len())
	}
}

func TestStepApply(t *testing.T) {
	tree := doc.New("Title\nHello world")

	next, m, err := Step{Type: TypeReplace, From: 6, To: 11, Insert: "Howdy"}.Apply(tree)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := next.TextContent(); got != "Title\nHowdy world" {
		t.Errorf("document = %q, want %q", got, "Title\nHowdy world")
	}
	// The input tree is untouched.
	if got := tree.TextContent(); got != "Title\nHello world" {
		t.Errorf("original document mutated to %q", got)
	}
	if got := m.Map(11, 1); got != 11 {
		t.Errorf("Map(11, 1) = %d, want 11", got)
	}
}

func TestStepApplyRejectsOutOfBounds(t *testing.T) {
	tree := doc.New("short")

	if _, _, err := (Step{Type: TypeReplace, From: 0, To: 99}).Apply(tree); err == nil {
		t.Error("expected error for range past end of document")
	}
	if _, _, err := (Step{Type: TypeReplace, From: 4, To: 2}).Apply(tree); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, _, err := (Step{Type: TypeReplace, From: -1, To: 2}).Apply(tree); err == nil {
		t.Error("expected error for negative start")
	}
}

func TestStepApplyRejectsUnknownType(t *testing.T) {
	tree := doc.New("content")

	if _, _, err := (Step{Type: "addMark", From: 0, To: 3}).Apply(tree); err == nil {
		t.Error("expected error for unknown step type")
	}
}

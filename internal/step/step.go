// Package step defines the atomic document mutations accepted by a
// collaboration session and the position maps they produce. Position maps
// are plain data (ranged offset deltas), so they can be stored, replayed,
// and composed deterministically.
package step

import (
	"fmt"

	"github.com/yk9331/bear-plus/internal/doc"
)

// TypeReplace is the only structural step type: replace [from, to) with
// inserted text.
const TypeReplace = "replace"

// Step is one atomic, invertible document mutation. Steps are immutable
// once created; the author is attached by the session when the step is
// accepted into history, not at creation.
type Step struct {
	Type   string `json:"stepType"`
	From   int    `json:"from"`
	To     int    `json:"to"`
	Insert string `json:"insert,omitempty"`
}

// Apply produces the mutated tree and the position map describing how
// offsets before the step relate to offsets after it. The input tree is
// never modified.
func (s Step) Apply(t *doc.Tree) (*doc.Tree, *StepMap, error) {
	if s.Type != TypeReplace {
		return nil, nil, fmt.Errorf("unknown step type %q", s.Type)
	}
	next, err := t.Replace(s.From, s.To, s.Insert)
	if err != nil {
		return nil, nil, err
	}
	return next, NewStepMap([]int{s.From, s.To - s.From, len([]rune(s.Insert))}), nil
}

// StepMap records the offset changes made by a single step as flat
// (start, oldSize, newSize) triples over pre-step coordinates, sorted by
// start.
type StepMap struct {
	ranges []int
}

func NewStepMap(ranges []int) *StepMap {
	if len(ranges)%3 != 0 {
		panic("step: ranges must be (start, oldSize, newSize) triples")
	}
	return &StepMap{ranges: ranges}
}

// Map translates a position through the step. bias controls which side a
// position inside (or at the edge of) a replaced range resolves to:
// negative bias sticks to the left edge, positive to the right.
func (m *StepMap) Map(pos, bias int) int {
	diff := 0
	for i := 0; i < len(m.ranges); i += 3 {
		start := m.ranges[i]
		if start > pos {
			break
		}
		oldSize, newSize := m.ranges[i+1], m.ranges[i+2]
		end := start + oldSize
		if pos <= end {
			var side int
			switch {
			case oldSize == 0:
				side = bias
			case pos == start:
				side = -1
			case pos == end:
				side = 1
			default:
				side = bias
			}
			if side < 0 {
				return start + diff
			}
			return start + diff + newSize
		}
		diff += newSize - oldSize
	}
	return pos + diff
}

// Mapping is the ordered composition of the position maps for a version
// range.
type Mapping struct {
	maps []*StepMap
}

func NewMapping(maps ...*StepMap) *Mapping {
	return &Mapping{maps: maps}
}

func (m *Mapping) Append(sm *StepMap) {
	m.maps = append(m.maps, sm)
}

func (m *Mapping) Len() int {
	return len(m.maps)
}

// Map translates a position through every map in order.
func (m *Mapping) Map(pos, bias int) int {
	for _, sm := range m.maps {
		pos = sm.Map(pos, bias)
	}
	return pos
}

package optimizations

import (
	"errors"
	"fmt"
)

var ErrPartition = errors.New("parameter group partition mismatch")

// ParamGroups splits the trainable parameters by their decay tag.
type ParamGroups struct {
	Decay   []*Param
	NoDecay []*Param
}

// SplitParamGroups sorts ps by tag and verifies the result covers ps exactly once.
func SplitParamGroups(ps []*Param) (ParamGroups, error) {
	var g ParamGroups
	for _, p := range ps {
		switch p.Tag {
		case Decay:
			g.Decay = append(g.Decay, p)
		case NoDecay:
			g.NoDecay = append(g.NoDecay, p)
		default:
			return g, fmt.Errorf("%w: %s is %s", ErrPartition, p.Name, p.Tag)
		}
	}
	if err := g.Verify(ps); err != nil {
		return g, err
	}
	return g, nil
}

// Verify checks that the union of both groups is exactly all, with no parameter
// appearing twice and every member sitting in the group its tag names.
func (g ParamGroups) Verify(all []*Param) error {
	want := make(map[*Param]bool, len(all))
	for _, p := range all {
		if want[p] {
			return fmt.Errorf("%w: %s listed twice in the model", ErrPartition, p.Name)
		}
		want[p] = true
	}

	seen := make(map[*Param]bool, len(all))
	check := func(group []*Param, tag DecayTag) error {
		for _, p := range group {
			if !want[p] {
				return fmt.Errorf("%w: %s is not a model parameter", ErrPartition, p.Name)
			}
			if seen[p] {
				return fmt.Errorf("%w: %s appears in more than one slot", ErrPartition, p.Name)
			}
			if p.Tag != tag {
				return fmt.Errorf("%w: %s tagged %s but grouped as %s", ErrPartition, p.Name, p.Tag, tag)
			}
			seen[p] = true
		}
		return nil
	}
	if err := check(g.Decay, Decay); err != nil {
		return err
	}
	if err := check(g.NoDecay, NoDecay); err != nil {
		return err
	}
	for _, p := range all {
		if !seen[p] {
			return fmt.Errorf("%w: %s is in neither group", ErrPartition, p.Name)
		}
	}
	return nil
}

// All returns Decay followed by NoDecay.
func (g ParamGroups) All() []*Param {
	out := make([]*Param, 0, len(g.Decay)+len(g.NoDecay))
	out = append(out, g.Decay...)
	return append(out, g.NoDecay...)
}

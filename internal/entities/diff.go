package entities

import (
	"fmt"
	"slices"
)

type Change struct {
	Actual  Entity
	Desired Entity
}

type Delta struct {
	Added    []Entity
	Removed  []Entity
	Modified []Change
}

// Stale is what an apply pass deletes: qualified removals and the actual
// side of qualified modifications.
func (d Delta) Stale() []Entity {
	stale := make([]Entity, 0, len(d.Removed)+len(d.Modified))
	for _, e := range d.Removed {
		if e.Qualified() {
			stale = append(stale, e)
		}
	}
	for _, c := range d.Modified {
		if c.Actual.Qualified() {
			stale = append(stale, c.Actual)
		}
	}
	return stale
}

// Missing is what an apply pass creates.
func (d Delta) Missing() []Entity {
	missing := make([]Entity, 0, len(d.Added)+len(d.Modified))
	missing = append(missing, d.Added...)
	for _, c := range d.Modified {
		if c.Actual.Qualified() {
			missing = append(missing, c.Desired)
		}
	}
	return missing
}

// Ignored counts differences that belong to entities the agent does not own.
func (d Delta) Ignored() int {
	ignored := 0
	for _, e := range d.Removed {
		if !e.Qualified() {
			ignored++
		}
	}
	for _, c := range d.Modified {
		if !c.Actual.Qualified() {
			ignored++
		}
	}
	return ignored
}

// Converged reports whether applying the delta would change nothing.
func (d Delta) Converged() bool {
	return len(d.Stale()) == 0 && len(d.Missing()) == 0
}

func (d Delta) String() string {
	return fmt.Sprintf("added: %d, removed: %d, modified: %d", len(d.Added), len(d.Removed), len(d.Modified))
}

func Sort(kind Kind, list []Entity) []Entity {
	sorted := slices.Clone(list)
	slices.SortStableFunc(sorted, kind.Compare)
	return sorted
}

// Changes merges the sorted actual and desired lists into a delta. Items that
// compare equal but differ in definition are modifications.
func Changes(kind Kind, actual, desired []Entity) Delta {
	actual = Sort(kind, actual)
	desired = Sort(kind, desired)

	var delta Delta
	i, j := 0, 0
	for i < len(actual) && j < len(desired) {
		c := kind.Compare(actual[i], desired[j])
		switch {
		case c < 0:
			delta.Removed = append(delta.Removed, actual[i])
			i++
		case c > 0:
			delta.Added = append(delta.Added, desired[j])
			j++
		default:
			if !kind.Equal(actual[i], desired[j]) {
				delta.Modified = append(delta.Modified, Change{Actual: actual[i], Desired: desired[j]})
			}
			i++
			j++
		}
	}
	delta.Removed = append(delta.Removed, actual[i:]...)
	delta.Added = append(delta.Added, desired[j:]...)
	return delta
}

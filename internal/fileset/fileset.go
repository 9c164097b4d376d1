// Package fileset implements the immutable, sorted set of tracked file
// identifiers shared by the scanner, the history store and the reconcile engine.
package fileset

import (
	"slices"
)

// FileID is the canonical absolute path of a tracked file.
type FileID = string

// Set is an immutable collection of unique FileIDs kept in lexicographic order.
// Every operation returns a new Set; the zero value is the empty set.
type Set struct {
	ids []FileID
}

// New builds a Set from ids, dropping duplicates and sorting the result.
func New(ids ...FileID) Set {
	if len(ids) == 0 {
		return Set{}
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return Set{ids: slices.Compact(sorted)}
}

// Len returns the number of ids in the set.
func (s Set) Len() int {
	return len(s.ids)
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool {
	return len(s.ids) == 0
}

// IDs returns a sorted copy of the members.
func (s Set) IDs() []FileID {
	return slices.Clone(s.ids)
}

// Contains reports whether id is a member.
func (s Set) Contains(id FileID) bool {
	_, found := slices.BinarySearch(s.ids, id)
	return found
}

// Union returns s ∪ other.
func (s Set) Union(other Set) Set {
	out := make([]FileID, 0, len(s.ids)+len(other.ids))
	i, j := 0, 0
	for i < len(s.ids) && j < len(other.ids) {
		switch {
		case s.ids[i] < other.ids[j]:
			out = append(out, s.ids[i])
			i++
		case s.ids[i] > other.ids[j]:
			out = append(out, other.ids[j])
			j++
		default:
			out = append(out, s.ids[i])
			i++
			j++
		}
	}
	out = append(out, s.ids[i:]...)
	out = append(out, other.ids[j:]...)
	return Set{ids: out}
}

// Difference returns s − other.
func (s Set) Difference(other Set) Set {
	out := make([]FileID, 0, len(s.ids))
	for _, id := range s.ids {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return Set{ids: out}
}

// IsSubsetOf reports whether every member of s is also in other.
func (s Set) IsSubsetOf(other Set) bool {
	for _, id := range s.ids {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets have the same members.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s.ids, other.ids)
}

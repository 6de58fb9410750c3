package model

import "sort"

// UserSet is a sorted, duplicate-free list of user ids.
type UserSet []string

// NewUserSet builds a set from ids, dropping empties and duplicates.
func NewUserSet(ids ...string) UserSet {
	out := make(UserSet, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether id is in the set.
func (s UserSet) Contains(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// Add returns the set with id inserted. The receiver is not modified.
func (s UserSet) Add(id string) UserSet {
	if id == "" || s.Contains(id) {
		return s
	}
	return NewUserSet(append(s.Clone(), id)...)
}

// Remove returns the set without id. The receiver is not modified.
func (s UserSet) Remove(id string) UserSet {
	i := sort.SearchStrings(s, id)
	if i >= len(s) || s[i] != id {
		return s
	}
	out := make(UserSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// Without returns the set minus every id in drop.
func (s UserSet) Without(drop ...string) UserSet {
	out := s
	for _, id := range drop {
		out = out.Remove(id)
	}
	return out
}

// Equal reports element-wise equality. nil and empty sets are equal.
func (s UserSet) Equal(o UserSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no backing array with s.
func (s UserSet) Clone() UserSet {
	if s == nil {
		return nil
	}
	return append(UserSet(nil), s...)
}

// Strings returns the ids as a plain slice.
func (s UserSet) Strings() []string { return append([]string{}, s...) }

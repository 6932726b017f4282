package set

import (
	"cmp"
	"iter"
	"sort"
)

type Set[K comparable] map[K]struct{}

func New[K comparable]() Set[K] {
	return make(Set[K])
}

// Of builds a set from the given elements.
func Of[K comparable](ks ...K) Set[K] {
	s := make(Set[K], len(ks))
	for _, k := range ks {
		s[k] = struct{}{}
	}
	return s
}

func (s Set[K]) Add(k K) {
	s[k] = struct{}{}
}

func (s Set[K]) Remove(k K) {
	delete(s, k)
}

func (s Set[K]) Contains(k K) bool {
	_, ok := s[k]
	return ok
}

func (s Set[K]) Len() int {
	return len(s)
}

func (s Set[K]) Empty() bool {
	return s.Len() == 0
}

func (s Set[K]) Values() []K {
	vals := make([]K, 0, len(s))
	for k := range s {
		vals = append(vals, k)
	}
	return vals
}

// Each returns an iterator over the set's elements
func (s Set[K]) Each() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s {
			if !yield(k) {
				return
			}
		}
	}
}

// Sorted returns the set's elements in ascending order. Handy where the
// output feeds error details or logs that want determinism.
func Sorted[K cmp.Ordered](s Set[K]) []K {
	vals := s.Values()
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals
}

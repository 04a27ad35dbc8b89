package store

import (
	"sort"

	"github.com/tobiasfamos/RopeStore/util"
)

/*
DiscardSet collects the IDs of pages that were freed since the last
published generation.

The set is kept as a sorted list of non-overlapping, non-adjacent runs, so
adding an ID that touches an existing run extends it instead of growing
the list. Freed pages must not be reused before the next generation record
is on disk, which is why the allocator only learns about them through
Drain at publish time.
*/
type DiscardSet struct {
	runs []Run
}

// Add inserts a single ID into the set.
func (s *DiscardSet) Add(id ID) {
	s.AddRange(Run{Start: id, Length: 1})
}

// AddRange inserts a whole run into the set, merging it with any runs it
// overlaps or touches.
func (s *DiscardSet) AddRange(r Run) {
	if r.Length == 0 {
		return
	}

	// First run whose end reaches the new run's start.
	lo := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].End() >= r.Start
	})
	// First run starting strictly past the new run's end.
	hi := lo
	for hi < len(s.runs) && s.runs[hi].Start <= r.End() {
		hi = hi + 1
	}

	if lo == hi {
		// No overlap and no adjacency; insert as a new run.
		s.runs = append(s.runs, Run{})
		copy(s.runs[lo+1:], s.runs[lo:])
		s.runs[lo] = r
		return
	}

	start := util.Min(r.Start, s.runs[lo].Start)
	end := util.Max(r.End(), s.runs[hi-1].End())
	s.runs[lo] = Run{Start: start, Length: uint64(end - start)}
	s.runs = append(s.runs[:lo+1], s.runs[hi:]...)
}

// Contains reports whether id is in the set.
func (s *DiscardSet) Contains(id ID) bool {
	i := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].End() > id
	})
	return i < len(s.runs) && s.runs[i].Start <= id
}

// Len returns the number of IDs in the set.
func (s *DiscardSet) Len() uint64 {
	var n uint64
	for _, r := range s.runs {
		n += r.Length
	}
	return n
}

// Drain removes and returns all runs, sorted by ascending start.
func (s *DiscardSet) Drain() []Run {
	runs := s.runs
	s.runs = nil
	return runs
}

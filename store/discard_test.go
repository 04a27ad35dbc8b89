package store

import (
	"testing"

	mapset "github.com/deckarep/golang-set"
)

func TestDiscardSet_AddCoalesces(t *testing.T) {
	set := DiscardSet{}

	set.Add(5)
	set.Add(7)
	set.Add(6)

	runs := set.Drain()
	if len(runs) != 1 {
		t.Fatalf("Actual runs = %d, Expected == 1", len(runs))
	}
	if runs[0].Start != 5 || runs[0].Length != 3 {
		t.Errorf("Actual run = {%d %d}, Expected == {5 3}", runs[0].Start, runs[0].Length)
	}
}

func TestDiscardSet_AddRangeMergesOverlap(t *testing.T) {
	cases := []struct {
		name     string
		add      []Run
		expected []Run
	}{
		{
			"disjoint stay disjoint",
			[]Run{{10, 2}, {20, 2}},
			[]Run{{10, 2}, {20, 2}},
		},
		{
			"adjacent merge",
			[]Run{{10, 2}, {12, 3}},
			[]Run{{10, 5}},
		},
		{
			"overlap merges",
			[]Run{{10, 5}, {12, 10}},
			[]Run{{10, 12}},
		},
		{
			"bridge merges three",
			[]Run{{10, 2}, {14, 2}, {12, 2}},
			[]Run{{10, 6}},
		},
		{
			"contained is absorbed",
			[]Run{{10, 10}, {12, 2}},
			[]Run{{10, 10}},
		},
		{
			"out of order is sorted",
			[]Run{{20, 2}, {5, 2}, {10, 2}},
			[]Run{{5, 2}, {10, 2}, {20, 2}},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			set := DiscardSet{}
			for _, r := range c.add {
				set.AddRange(r)
			}
			runs := set.Drain()
			if len(runs) != len(c.expected) {
				t.Fatalf("Actual runs = %v, Expected == %v", runs, c.expected)
			}
			for i := range runs {
				if runs[i] != c.expected[i] {
					t.Errorf("Actual run %d = %v, Expected == %v", i, runs[i], c.expected[i])
				}
			}
		})
	}
}

func TestDiscardSet_Contains(t *testing.T) {
	set := DiscardSet{}
	set.AddRange(Run{10, 5})
	set.Add(20)

	for id := ID(10); id < 15; id++ {
		if !set.Contains(id) {
			t.Errorf("Actual Contains(%d) = false, Expected == true", id)
		}
	}
	for _, id := range []ID{9, 15, 19, 21} {
		if set.Contains(id) {
			t.Errorf("Actual Contains(%d) = true, Expected == false", id)
		}
	}
}

func TestDiscardSet_DrainEmpties(t *testing.T) {
	set := DiscardSet{}
	set.Add(3)

	if len(set.Drain()) != 1 {
		t.Errorf("Actual first drain empty, Expected == 1 run")
	}
	if len(set.Drain()) != 0 {
		t.Errorf("Actual second drain non-empty, Expected == empty")
	}
}

// Every ID ever added must come back out exactly once, however the
// additions overlapped.
func TestDiscardSet_DrainedIDsAreUnique(t *testing.T) {
	set := DiscardSet{}
	added := mapset.NewSet()

	adds := []Run{
		{2, 10}, {5, 3}, {30, 1}, {12, 6}, {25, 5}, {18, 8}, {40, 2}, {2, 40},
	}
	for _, r := range adds {
		set.AddRange(r)
		for id := r.Start; id < r.End(); id++ {
			added.Add(id)
		}
	}

	drained := mapset.NewSet()
	for _, r := range set.Drain() {
		for id := r.Start; id < r.End(); id++ {
			if !drained.Add(id) {
				t.Errorf("Actual ID %d drained twice, Expected == once", id)
			}
		}
	}

	if !drained.Equal(added) {
		t.Errorf("Actual drained IDs = %v, Expected == %v", drained, added)
	}
}

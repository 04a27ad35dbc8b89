package store

import "github.com/tobiasfamos/RopeStore/util"

/*
Allocator hands out sector IDs for new pages.

It serves requests from a free list of previously released runs first and
falls back to the untouched frontier of the device. IDs 0 and 1 are never
returned, nor is any ID that has been released back but not yet drained
by a generation publish; released runs only enter the free list through
Release, which the store calls after the generation record naming the new
tree is on disk.
*/
type Allocator struct {
	nbSectors uint64
	next      ID
	free      []Run
}

// NewAllocator returns an allocator for a device of nbSectors sectors
// with an empty free list.
func NewAllocator(nbSectors uint64) *Allocator {
	return &Allocator{
		nbSectors: nbSectors,
		next:      firstAllocatableID,
	}
}

/*
Runs allocates n sector IDs and returns them as a list of contiguous runs.

The allocation is all-or-nothing: if fewer than n IDs remain, no IDs are
consumed and ErrDiskFull is returned.
*/
func (a *Allocator) Runs(n uint64) ([]Run, error) {
	if n == 0 {
		return nil, nil
	}
	if a.available() < n {
		return nil, ErrDiskFull
	}

	var runs []Run
	remaining := n
	for remaining > 0 && len(a.free) > 0 {
		r := a.free[0]
		take := util.Min(r.Length, remaining)
		runs = append(runs, Run{Start: r.Start, Length: take})
		remaining -= take
		if take == r.Length {
			a.free = a.free[1:]
		} else {
			a.free[0] = Run{Start: r.Start.Add(take), Length: r.Length - take}
		}
	}
	if remaining > 0 {
		runs = append(runs, Run{Start: a.next, Length: remaining})
		a.next = a.next.Add(remaining)
	}

	return runs, nil
}

// Release returns runs to the free list for reuse.
func (a *Allocator) Release(runs []Run) {
	for _, r := range runs {
		if r.Length == 0 {
			continue
		}
		a.free = append(a.free, r)
	}
}

// available returns the number of IDs the allocator can still hand out.
func (a *Allocator) available() uint64 {
	n := uint64(a.nbSectors) - uint64(a.next)
	for _, r := range a.free {
		n += r.Length
	}
	return n
}

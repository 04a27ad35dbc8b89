package store

type sectorState uint8

const (
	// stateInMemory: the page lives in a buffer and has no valid
	// on-disk copy.
	stateInMemory sectorState = iota
	// stateOnDisk: the page lives at a sector ID; it may additionally
	// still hold its buffer as a clean copy.
	stateOnDisk
	// stateFreed: the page is gone. Any access is a programming error.
	stateFreed
)

/*
Sector tracks where a single page currently lives.

InMemory pages hold a buffer and no ID. OnDisk pages hold an ID and may
keep their buffer around as a clean read cache until it is reclaimed.
Freed pages hold nothing.
*/
type Sector struct {
	state    sectorState
	buf      []byte
	id       ID
	finalize Finalizer
}

/*
Finalizer is the eviction callback an owner registers for its page.

When the cache wants the page out of memory the finalizer either reports
that an up-to-date on-disk copy already exists (Evicted with its ID), or
returns the writes required to put one there (Pending). The cache then
allocates IDs for the whole batch and calls each pending Write with the
ID assigned to it, children before parents, so a parent can embed its
children's IDs before its own bytes are captured.
*/
type Finalizer func() (FinalizeResult, error)

/*
FinalizeResult is what a finalizer tells the cache about its page.
*/
type FinalizeResult struct {
	// Evicted is true if the page already has an up-to-date copy on
	// disk at ID; no writes are needed.
	Evicted bool
	ID      ID

	// Pending lists the pages that must be written out, the finalized
	// page itself plus any of its still-in-memory dependencies.
	Pending []PendingWrite
}

/*
PendingWrite is one page of an eviction batch.

Height orders the batch: pages of lower height are committed first, so
that by the time a page's Write runs, every page it references already
knows its ID.
*/
type PendingWrite struct {
	Element *Element
	Height  int

	// Write tells the owner the ID assigned to this page. The owner
	// finishes the page's buffer, recording in it the IDs its children
	// were given earlier in the batch; the cache writes the buffer to
	// disk afterwards.
	Write func(id ID) error
}

// InMemory reports whether the page currently holds a buffer as its
// only copy.
func (s *Sector) InMemory() bool {
	return s.state == stateInMemory
}

// OnDisk reports whether the page has a valid on-disk copy.
func (s *Sector) OnDisk() bool {
	return s.state == stateOnDisk
}

// Freed reports whether the page was released.
func (s *Sector) Freed() bool {
	return s.state == stateFreed
}

// ID returns the sector number of an OnDisk page.
func (s *Sector) ID() ID {
	if s.state != stateOnDisk {
		panic("sector has no ID")
	}
	return s.id
}

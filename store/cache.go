package store

import (
	"sort"

	lock "github.com/viney-shih/go-lock"
	"go.uber.org/zap"
)

/*
Cache is the page cache mediating between page owners and the disk.

Owners allocate pages, obtain buffers, and register finalizers; the cache
decides when in-memory pages have to make room and drives the finalizers
to push them out. Eviction is batched: every page going to disk in one
round is assigned its ID up front, the batch is committed children before
parents, and contiguous ID runs leave through single vectored writes.

The cache is single-owner: it is not safe for concurrent use. The guard
only catches reentrant mutation of the eviction index from within an
eviction, which is a programming error.
*/
type Cache struct {
	disk      Disk
	pageSize  uint32
	nbSectors uint64
	ptrWidth  int

	alloc     *Allocator
	lru       *LRU
	pool      *bufferPool
	discarded DiscardSet

	maxLRUSize uint
	minLRUSize uint

	guard *lock.CASMutex
	log   *zap.Logger
}

// NewCache creates a cache over disk with the given tuning parameters.
func NewCache(disk Disk, cfg Config) *Cache {
	info := disk.Info()
	return &Cache{
		disk:       disk,
		pageSize:   info.SectorSize,
		nbSectors:  info.SizeSectors,
		ptrWidth:   PointerWidth(info.SizeSectors),
		alloc:      NewAllocator(info.SizeSectors),
		lru:        NewLRU(),
		pool:       newBufferPool(info.SectorSize, cfg.MaxLRUSize),
		maxLRUSize: cfg.MaxLRUSize,
		minLRUSize: cfg.MinLRUSize,
		guard:      lock.NewCASMutex(),
		log:        cfg.Logger,
	}
}

// PageSize returns the size of a page in bytes.
func (c *Cache) PageSize() uint32 {
	return c.pageSize
}

// PointerWidth returns the on-disk width of a page ID in bytes.
func (c *Cache) PointerWidth() int {
	return c.ptrWidth
}

/*
AllocateRoot creates a new in-memory page outside the eviction index.

The element is pinned: the cache never pushes it out on its own, its
owner flushes it explicitly. Registering a finalizer later moves it into
the index.
*/
func (c *Cache) AllocateRoot() *Element {
	return NewDetachedElement(Sector{
		state: stateInMemory,
		buf:   c.pool.get(),
	})
}

/*
Allocate creates a new in-memory page inside the eviction index.

If the index is full the cache first makes room, which may write other
pages to disk and can therefore fail with their write errors or with
ErrDiskFull.
*/
func (c *Cache) Allocate() (*Element, error) {
	if err := c.maybeMakeRoom(); err != nil {
		return nil, err
	}
	return c.lru.NewElement(Sector{
		state: stateInMemory,
		buf:   c.pool.get(),
	}), nil
}

/*
Load brings the page at id into the cache as a clean copy.

The element enters the eviction index; since an on-disk copy exists the
cache can drop the buffer again without involving the owner.
*/
func (c *Cache) Load(id ID) (*Element, error) {
	if err := c.maybeMakeRoom(); err != nil {
		return nil, err
	}
	buf := c.pool.get()
	if err := c.disk.Read(uint64(id), [][]byte{buf}); err != nil {
		c.pool.release([][]byte{buf})
		return nil, err
	}
	return c.lru.NewElement(Sector{
		state: stateOnDisk,
		buf:   buf,
		id:    id,
	}), nil
}

/*
LoadRoot brings the page at id into the cache as a pinned clean copy,
outside the eviction index.
*/
func (c *Cache) LoadRoot(id ID) (*Element, error) {
	buf := c.pool.get()
	if err := c.disk.Read(uint64(id), [][]byte{buf}); err != nil {
		c.pool.release([][]byte{buf})
		return nil, err
	}
	return NewDetachedElement(Sector{
		state: stateOnDisk,
		buf:   buf,
		id:    id,
	}), nil
}

/*
SetFinalize registers the eviction callback for e's page.

A detached element joins the eviction index at this point and loses its
pin: once it has a finalizer the cache may evict it like any other page.
*/
func (c *Cache) SetFinalize(e *Element, fn Finalizer) {
	e.sector.finalize = fn
	if !e.attached && !e.removed {
		e.pinned = false
		c.lru.PushFront(e)
	}
}

/*
SetID records that e's page has an up-to-date copy at id.

An in-memory page hands its buffer back to the pool and leaves the
eviction index; unless the element is pinned, it leaves for good. A page
already on disk must be told the same ID it already has.
*/
func (c *Cache) SetID(e *Element, id ID) {
	switch e.sector.state {
	case stateInMemory:
		c.pool.release([][]byte{e.sector.buf})
		e.sector.buf = nil
		e.sector.id = id
		e.sector.state = stateOnDisk
		if !e.pinned {
			c.lru.DetachRemove(e)
		} else if e.attached {
			c.lru.Detach(e)
		}
	case stateOnDisk:
		if e.sector.id != id {
			panic("sector already has a different ID")
		}
	case stateFreed:
		panic("sector was freed")
	}
}

/*
Dirty marks e's page as about to change. A clean copy turns back into
the only copy, since the on-disk version stops being valid; the buffer
must still be present when this happens.
*/
func (c *Cache) Dirty(e *Element) {
	switch e.sector.state {
	case stateInMemory:
	case stateOnDisk:
		if e.sector.buf == nil {
			panic("dirtying a sector whose buffer is gone")
		}
		e.sector.state = stateInMemory
		e.sector.id = NilID
	case stateFreed:
		panic("sector was freed")
	}
}

/*
Forget releases a page whose content is no longer wanted, whatever state
it is in. The on-disk copy, if any, is not touched; discarding its ID is
the caller's business.
*/
func (c *Cache) Forget(e *Element) {
	if e.sector.buf != nil {
		c.pool.release([][]byte{e.sector.buf})
		e.sector.buf = nil
	}
	e.sector.state = stateFreed
	c.lru.DetachRemove(e)
}

/*
Unallocate releases an in-memory page that will never reach the disk.
*/
func (c *Cache) Unallocate(e *Element) {
	if !e.sector.InMemory() {
		panic("can only unallocate an in-memory sector")
	}
	c.pool.release([][]byte{e.sector.buf})
	e.sector.buf = nil
	e.sector.state = stateFreed
	c.lru.DetachRemove(e)
}

/*
Buffer returns the page bytes of e, reading them back from disk if only
the on-disk copy remains. Touching the page marks it recently used.
*/
func (c *Cache) Buffer(e *Element) ([]byte, error) {
	c.lru.Use(e)
	switch e.sector.state {
	case stateInMemory:
		return e.sector.buf, nil
	case stateOnDisk:
		if e.sector.buf == nil {
			buf := c.pool.get()
			if err := c.disk.Read(uint64(e.sector.id), [][]byte{buf}); err != nil {
				c.pool.release([][]byte{buf})
				return nil, err
			}
			e.sector.buf = buf
		}
		return e.sector.buf, nil
	default:
		panic("sector was freed")
	}
}

/*
BufferInMemory returns the page bytes of e, which must still be in
memory. Commit callbacks use it to patch pages that are known not to
have gone out yet.
*/
func (c *Cache) BufferInMemory(e *Element) []byte {
	if !e.sector.InMemory() {
		panic("sector is not in memory")
	}
	return e.sector.buf
}

// Discard adds a no-longer-referenced on-disk page to the discarded set.
func (c *Cache) Discard(id ID) {
	c.discarded.Add(id)
}

// DiscardRange adds a run of no-longer-referenced on-disk pages to the
// discarded set.
func (c *Cache) DiscardRange(r Run) {
	c.discarded.AddRange(r)
}

/*
AcquireDiscarded drains the discarded set. The store calls it once the
generation record that stopped referencing those pages is on disk, and
feeds the runs back to the allocator.
*/
func (c *Cache) AcquireDiscarded() []Run {
	return c.discarded.Drain()
}

// ReleaseRuns returns drained runs to the allocator for reuse.
func (c *Cache) ReleaseRuns(runs []Run) {
	c.alloc.Release(runs)
}

/*
Clear empties the eviction index, committing every page that still has
pending state to disk, and drops the buffer pool. The cache remains
usable afterwards.
*/
func (c *Cache) Clear() error {
	unlock := c.protectLRU()
	defer unlock()

	var batch []PendingWrite
	for {
		e := c.lru.PopBack()
		if e == nil {
			break
		}
		pending, err := c.finalizeOut(e)
		if err != nil {
			return err
		}
		batch = append(batch, pending...)
	}
	if err := c.commitPending(batch); err != nil {
		return err
	}
	c.pool.drain()
	return nil
}

// protectLRU asserts that no eviction is in progress and takes the
// guard. Reentering here is a programming error.
func (c *Cache) protectLRU() func() {
	if !c.guard.TryLock() {
		panic("reentrant mutation of the eviction index")
	}
	return c.guard.Unlock
}

// maybeMakeRoom shrinks the eviction index if it hit its limit. Inside
// an eviction the index is left alone; the guard holder is already
// shrinking it.
func (c *Cache) maybeMakeRoom() error {
	if c.lru.Len() < c.maxLRUSize {
		return nil
	}
	if !c.guard.TryLock() {
		return nil
	}
	defer c.guard.Unlock()
	return c.lruMakeRoom()
}

/*
lruMakeRoom evicts pages from the back of the index until it is below
the low watermark while the buffer pool holds spare buffers, or until the
back element has no finalizer; with an empty pool it keeps going past the
low watermark. It then commits everything that needs writing as one
batch. Must run with the guard held.
*/
func (c *Cache) lruMakeRoom() error {
	var batch []PendingWrite
	for c.lru.Len() > 0 {
		if c.lru.Len() < c.minLRUSize && c.pool.len() > 0 {
			break
		}
		e := c.lru.PeekBack()
		if e.sector.finalize == nil {
			break
		}
		c.lru.PopBack()
		pending, err := c.finalizeOut(e)
		if err != nil {
			return err
		}
		batch = append(batch, pending...)
	}

	c.log.Debug("evicting batch",
		zap.Int("pending", len(batch)),
		zap.Uint("lru_size", c.lru.Len()),
	)
	return c.commitPending(batch)
}

/*
finalizeOut pushes a single detached element out of memory. Pages with a
clean on-disk copy just lose their buffer; dirty pages are asked for
their pending writes, which the caller accumulates into the batch.
*/
func (c *Cache) finalizeOut(e *Element) ([]PendingWrite, error) {
	if e.sector.OnDisk() {
		if e.sector.buf != nil {
			c.pool.release([][]byte{e.sector.buf})
			e.sector.buf = nil
		}
		c.lru.DetachRemove(e)
		return nil, nil
	}
	if !e.sector.InMemory() {
		panic("freed sector in the eviction index")
	}
	if e.sector.finalize == nil {
		panic("cannot evict a sector without a finalizer")
	}

	res, err := e.sector.finalize()
	if err != nil {
		return nil, err
	}
	if res.Evicted {
		// The owner vouches for an up-to-date copy at res.ID.
		c.pool.release([][]byte{e.sector.buf})
		e.sector.buf = nil
		e.sector.id = res.ID
		e.sector.state = stateOnDisk
		c.lru.DetachRemove(e)
		return nil, nil
	}
	return res.Pending, nil
}

/*
commitPending writes a batch of pending pages to disk.

The batch is allocated as a whole, ordered children before parents, and
written one vectored call per contiguous ID run. On a write failure the
pages of the failed run fall back to in-memory state, the IDs of the
failed and all remaining runs go to the discarded set, and the pages of
the remaining runs are left untouched in memory; a later eviction will
commit them again.
*/
func (c *Cache) commitPending(batch []PendingWrite) error {
	// Entries whose page reached the disk through an earlier overlap
	// are done already. A page can also be collected twice in one round,
	// once on its own and once through an ancestor; it is written once.
	seen := make(map[*Element]bool, len(batch))
	pending := batch[:0]
	for _, p := range batch {
		if p.Element.sector.InMemory() && !seen[p.Element] {
			seen[p.Element] = true
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	runs, err := c.alloc.Runs(uint64(len(pending)))
	if err != nil {
		return err
	}

	// Children first, so every Write callback can rely on the IDs of
	// the pages below it having been patched in already.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Height < pending[j].Height
	})

	next := 0
	for ri, run := range runs {
		bufs := make([][]byte, 0, run.Length)
		entries := pending[next : next+int(run.Length)]
		next += int(run.Length)

		commitErr := func() error {
			for i, p := range entries {
				id := run.Start.Add(uint64(i))
				if err := p.Write(id); err != nil {
					return err
				}
				p.Element.sector.id = id
				p.Element.sector.state = stateOnDisk
				bufs = append(bufs, p.Element.sector.buf)
			}
			return c.disk.Write(uint64(run.Start), bufs)
		}()

		if commitErr != nil {
			for _, p := range entries {
				if p.Element.sector.OnDisk() {
					p.Element.sector.state = stateInMemory
					p.Element.sector.id = NilID
				}
			}
			for _, r := range runs[ri:] {
				c.discarded.AddRange(r)
			}
			// Everything not written stays in memory; hand it back to
			// the eviction index so a later round picks it up again.
			for _, p := range pending[next-int(run.Length):] {
				e := p.Element
				if e.sector.InMemory() && !e.attached && !e.removed && !e.pinned {
					c.lru.PushFront(e)
				}
			}
			return commitErr
		}

		c.pool.release(bufs)
		for _, p := range entries {
			p.Element.sector.buf = nil
			if !p.Element.pinned {
				c.lru.DetachRemove(p.Element)
			}
		}
	}

	return nil
}

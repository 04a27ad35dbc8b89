package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tobiasfamos/RopeStore/search"
	"github.com/tobiasfamos/RopeStore/util"
)

/*
Rope is a byte sequence stored as a tree of pages.

Leaves hold raw bytes; interior nodes hold cumulative-size keys next to
child pointers, so any byte offset resolves to a leaf with one descent.
Appending fills the rightmost leaf and grows the tree at the root when
the rightmost spine runs out of room.

A rope works against the page cache: nodes live in memory while being
worked on, get pushed to disk by eviction or by Flush, and come back
lazily when touched again. The rope itself keeps only the light tree of
node records; the page bytes stay under cache control.

A rope is not safe for concurrent use.
*/
type Rope struct {
	c  *Cache
	cs Checksum

	pageSize   uint32
	ptrWidth   int
	digestSize int

	root *ropeNode
}

/*
ropeNode is the in-memory record of one tree page.

lastID and lastDigest name the page's most recent on-disk incarnation;
dirty tells whether the buffer has moved past it. A node whose element
was pushed out by eviction finds its way back through lastID.

Children are materialized lazily: a nil entry means the child subtree
only exists on disk, described by its pointer entry in this node's page.
*/
type ropeNode struct {
	r *Rope

	elt    *Element
	parent *ropeNode
	slot   int
	height int

	lastID     ID
	hasID      bool
	lastDigest []byte
	dirty      bool

	children []*ropeNode
}

// Node page layout: height u16, count u16, then payload. Leaves use the
// payload for raw bytes; interior nodes for child entries of
// {cumulative size u32, child ID, child digest}.
const nodeHeaderSize = 4

func (r *Rope) leafCap() int {
	return int(r.pageSize) - nodeHeaderSize
}

func (r *Rope) entrySize() int {
	return 4 + r.ptrWidth + r.digestSize
}

func (r *Rope) maxChildren() int {
	return (int(r.pageSize) - nodeHeaderSize) / r.entrySize()
}

func nodeHeight(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[0:]))
}

func setNodeHeight(buf []byte, h int) {
	binary.BigEndian.PutUint16(buf[0:], uint16(h))
}

func nodeCount(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[2:]))
}

func setNodeCount(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[2:], uint16(n))
}

func (r *Rope) entryOff(i int) int {
	return nodeHeaderSize + i*r.entrySize()
}

func (r *Rope) entryKey(buf []byte, i int) uint32 {
	return binary.BigEndian.Uint32(buf[r.entryOff(i):])
}

func (r *Rope) setEntryKey(buf []byte, i int, key uint32) {
	binary.BigEndian.PutUint32(buf[r.entryOff(i):], key)
}

func (r *Rope) entryChild(buf []byte, i int) (ID, []byte) {
	off := r.entryOff(i) + 4
	id := getID(buf[off:], r.ptrWidth)
	digest := buf[off+r.ptrWidth : off+r.ptrWidth+r.digestSize]
	return id, digest
}

func (r *Rope) setEntryChild(buf []byte, i int, id ID, digest []byte) {
	off := r.entryOff(i) + 4
	putID(buf[off:], id, r.ptrWidth)
	copy(buf[off+r.ptrWidth:off+r.ptrWidth+r.digestSize], digest)
}

// NewRope creates an empty rope: a single in-memory leaf pinned as the
// tree root.
func NewRope(c *Cache, cs Checksum) (*Rope, error) {
	r := &Rope{
		c:          c,
		cs:         cs,
		pageSize:   c.PageSize(),
		ptrWidth:   c.PointerWidth(),
		digestSize: cs.Size(),
	}
	elt := c.AllocateRoot()
	buf := c.BufferInMemory(elt)
	setNodeHeight(buf, 0)
	setNodeCount(buf, 0)
	r.root = &ropeNode{r: r, elt: elt, dirty: true}
	return r, nil
}

/*
LoadRope attaches to a tree previously flushed to disk, typically the
one named by the current generation record.
*/
func LoadRope(c *Cache, cs Checksum, rootID ID, size uint64, digest []byte) (*Rope, error) {
	r := &Rope{
		c:          c,
		cs:         cs,
		pageSize:   c.PageSize(),
		ptrWidth:   c.PointerWidth(),
		digestSize: cs.Size(),
	}

	elt, err := c.LoadRoot(rootID)
	if err != nil {
		return nil, err
	}
	buf, err := c.Buffer(elt)
	if err != nil {
		return nil, err
	}

	root := &ropeNode{
		r:          r,
		elt:        elt,
		height:     nodeHeight(buf),
		lastID:     rootID,
		hasID:      true,
		lastDigest: append([]byte(nil), digest...),
	}
	if root.height > 0 {
		root.children = make([]*ropeNode, nodeCount(buf))
	}
	r.root = root

	if got := r.sizeOf(root, buf); got != size {
		return nil, fmt.Errorf("rope root %d holds %d bytes, expected %d", rootID, got, size)
	}
	return r, nil
}

// RopeOfString creates a rope holding s.
func RopeOfString(c *Cache, cs Checksum, s string) (*Rope, error) {
	r, err := NewRope(c, cs)
	if err != nil {
		return nil, err
	}
	if err := r.Append([]byte(s)); err != nil {
		return nil, err
	}
	return r, nil
}

// Size returns the number of bytes the rope holds.
func (r *Rope) Size() (uint64, error) {
	buf, err := r.root.buffer()
	if err != nil {
		return 0, err
	}
	return r.sizeOf(r.root, buf), nil
}

// sizeOf reads the subtree size of n out of its page: the byte count
// for leaves, the last cumulative key for interior nodes.
func (r *Rope) sizeOf(n *ropeNode, buf []byte) uint64 {
	count := nodeCount(buf)
	if n.height == 0 {
		return uint64(count)
	}
	return uint64(r.entryKey(buf, count-1))
}

/*
Append adds data at the end of the rope, growing the tree as needed.

Growth is eager: a leaf that becomes exactly full makes its ancestors
open the next (still empty) leaf right away, so the rightmost spine
always ends in a leaf with room.
*/
func (r *Rope) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	unlock := r.c.protectLRU()
	err := r.append(data)
	unlock()
	if err != nil {
		return err
	}
	return r.c.maybeMakeRoom()
}

func (r *Rope) append(data []byte) error {
	for {
		consumed, full, err := r.root.doAppend(data)
		if err != nil {
			return err
		}
		data = data[consumed:]
		if !full {
			return nil
		}
		if err := r.growRoot(); err != nil {
			return err
		}
	}
}

/*
doAppend pushes data down the rightmost spine.

It returns how many bytes it consumed and whether the node itself is
full. A full node cannot take another byte nor another child; its parent
reacts by opening a sibling, the root by growing the tree.
*/
func (n *ropeNode) doAppend(data []byte) (int, bool, error) {
	buf, err := n.writable()
	if err != nil {
		return 0, false, err
	}

	if n.height == 0 {
		count := nodeCount(buf)
		k := util.Min(n.r.leafCap()-count, len(data))
		copy(buf[nodeHeaderSize+count:], data[:k])
		setNodeCount(buf, count+k)
		return k, count+k == n.r.leafCap(), nil
	}

	consumed := 0
	for {
		last := nodeCount(buf) - 1
		child, err := n.child(last)
		if err != nil {
			return consumed, false, err
		}
		k, childFull, err := child.doAppend(data[consumed:])
		if err != nil {
			return consumed, false, err
		}
		consumed += k
		if k > 0 {
			n.setEntryKeyDelta(buf, last, uint32(k))
		}
		if !childFull {
			return consumed, false, nil
		}
		if nodeCount(buf) == n.r.maxChildren() {
			return consumed, true, nil
		}
		if err := n.addSibling(buf); err != nil {
			return consumed, false, err
		}
		if consumed == len(data) {
			return consumed, false, nil
		}
	}
}

// setEntryKeyDelta bumps entry i's cumulative key and those of any
// entries past it, which for the rightmost spine is none.
func (n *ropeNode) setEntryKeyDelta(buf []byte, i int, delta uint32) {
	count := nodeCount(buf)
	for ; i < count; i++ {
		n.r.setEntryKey(buf, i, n.r.entryKey(buf, i)+delta)
	}
}

// addSibling opens a fresh empty subtree as the new rightmost child.
func (n *ropeNode) addSibling(buf []byte) error {
	count := nodeCount(buf)
	var key uint32
	if count > 0 {
		key = n.r.entryKey(buf, count-1)
	}

	sib, err := n.r.newSubtree(n.height-1, n, count)
	if err != nil {
		return err
	}

	n.r.setEntryKey(buf, count, key)
	n.r.setEntryChild(buf, count, NilID, make([]byte, n.r.digestSize))
	setNodeCount(buf, count+1)
	n.children = append(n.children, sib)
	return nil
}

/*
newSubtree builds an empty subtree of the given height: a chain of
interior nodes ending in an empty leaf. All nodes are dirty in-memory
pages inside the eviction index.
*/
func (r *Rope) newSubtree(height int, parent *ropeNode, slot int) (*ropeNode, error) {
	elt, err := r.c.Allocate()
	if err != nil {
		return nil, err
	}
	n := &ropeNode{
		r:      r,
		elt:    elt,
		parent: parent,
		slot:   slot,
		height: height,
		dirty:  true,
	}

	buf := r.c.BufferInMemory(elt)
	setNodeHeight(buf, height)
	if height == 0 {
		setNodeCount(buf, 0)
	} else {
		child, err := r.newSubtree(height-1, n, 0)
		if err != nil {
			return nil, err
		}
		setNodeCount(buf, 1)
		r.setEntryKey(buf, 0, 0)
		r.setEntryChild(buf, 0, NilID, make([]byte, r.digestSize))
		n.children = []*ropeNode{child}
	}

	r.c.SetFinalize(elt, n.finalize)
	return n, nil
}

/*
growRoot puts a new root above the current one. The old root becomes an
ordinary child: it gets a finalizer and with it a place in the eviction
index, while the new root takes over the pin.
*/
func (r *Rope) growRoot() error {
	old := r.root
	oldBuf, err := old.buffer()
	if err != nil {
		return err
	}
	oldSize := r.sizeOf(old, oldBuf)

	elt := r.c.AllocateRoot()
	buf := r.c.BufferInMemory(elt)
	root := &ropeNode{
		r:      r,
		elt:    elt,
		height: old.height + 1,
		dirty:  true,
	}
	setNodeHeight(buf, root.height)
	setNodeCount(buf, 1)
	r.setEntryKey(buf, 0, uint32(oldSize))
	if old.hasID && !old.dirty {
		r.setEntryChild(buf, 0, old.lastID, old.lastDigest)
	} else {
		r.setEntryChild(buf, 0, NilID, make([]byte, r.digestSize))
	}
	root.children = []*ropeNode{old}

	old.parent = root
	old.slot = 0
	r.c.SetFinalize(old.elt, old.finalize)

	r.root = root
	return nil
}

/*
BlitToBytes reads up to length bytes starting at offset. Reads past the
end are clipped; an offset at or past the end yields no bytes.
*/
func (r *Rope) BlitToBytes(offset uint64, length uint64) ([]byte, error) {
	unlock := r.c.protectLRU()
	dst, err := r.blitRead(offset, length)
	unlock()
	if err != nil {
		return nil, err
	}
	if err := r.c.maybeMakeRoom(); err != nil {
		return nil, err
	}
	return dst, nil
}

func (r *Rope) blitRead(offset uint64, length uint64) ([]byte, error) {
	buf, err := r.root.buffer()
	if err != nil {
		return nil, err
	}
	size := r.sizeOf(r.root, buf)
	if offset >= size {
		return []byte{}, nil
	}
	length = util.Min(length, size-offset)

	dst := make([]byte, length)
	if err := r.root.read(uint32(offset), dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// read fills dst with the bytes at offset within n's subtree. The
// caller guarantees the range lies inside the subtree.
func (n *ropeNode) read(offset uint32, dst []byte) error {
	buf, err := n.buffer()
	if err != nil {
		return err
	}

	if n.height == 0 {
		copy(dst, buf[nodeHeaderSize+int(offset):nodeHeaderSize+nodeCount(buf)])
		return nil
	}

	i := n.childForOffset(buf, offset)
	for len(dst) > 0 {
		var start uint32
		if i > 0 {
			start = n.r.entryKey(buf, i-1)
		}
		span := n.r.entryKey(buf, i) - start

		child, err := n.child(i)
		if err != nil {
			return err
		}
		part := util.Min(uint32(len(dst)), span-(offset-start))
		if err := child.read(offset-start, dst[:part]); err != nil {
			return err
		}
		dst = dst[part:]
		offset += part
		i++

		// The descent may have pushed our own page around.
		buf, err = n.buffer()
		if err != nil {
			return err
		}
	}
	return nil
}

// childForOffset returns the index of the child whose span contains
// offset: the first entry with a cumulative key greater than offset.
func (n *ropeNode) childForOffset(buf []byte, offset uint32) int {
	count := nodeCount(buf)
	keys := make([]uint32, count)
	for i := 0; i < count; i++ {
		keys[i] = n.r.entryKey(buf, i)
	}
	idx, found := search.Binary(offset, keys)
	i := int(idx)
	if found {
		// Duplicate keys mark empty spans; skip to the child that
		// actually covers the offset.
		for i < count && keys[i] == offset {
			i++
		}
	}
	return i
}

/*
BlitFromString writes s into the rope at offset: bytes falling inside
the current content overwrite it in place, the remainder is appended.
The offset must not lie past the end.
*/
func (r *Rope) BlitFromString(offset uint64, s string) error {
	unlock := r.c.protectLRU()
	err := r.blitWrite(offset, []byte(s))
	unlock()
	if err != nil {
		return err
	}
	return r.c.maybeMakeRoom()
}

func (r *Rope) blitWrite(offset uint64, data []byte) error {
	buf, err := r.root.buffer()
	if err != nil {
		return err
	}
	size := r.sizeOf(r.root, buf)
	if offset > size {
		return fmt.Errorf("write at offset %d past rope end %d", offset, size)
	}

	overwrite := util.Min(uint64(len(data)), size-offset)
	if overwrite > 0 {
		if err := r.root.write(uint32(offset), data[:overwrite]); err != nil {
			return err
		}
	}
	return r.append(data[overwrite:])
}

// write overwrites bytes at offset within n's subtree. The caller
// guarantees the range lies inside the subtree.
func (n *ropeNode) write(offset uint32, data []byte) error {
	buf, err := n.writable()
	if err != nil {
		return err
	}

	if n.height == 0 {
		copy(buf[nodeHeaderSize+int(offset):], data)
		return nil
	}

	i := n.childForOffset(buf, offset)
	for len(data) > 0 {
		var start uint32
		if i > 0 {
			start = n.r.entryKey(buf, i-1)
		}
		span := n.r.entryKey(buf, i) - start

		child, err := n.child(i)
		if err != nil {
			return err
		}
		part := util.Min(uint32(len(data)), span-(offset-start))
		if err := child.write(offset-start, data[:part]); err != nil {
			return err
		}
		data = data[part:]
		offset += part
		i++

		buf, err = n.buffer()
		if err != nil {
			return err
		}
	}
	return nil
}

// ToString reads the whole rope.
func (r *Rope) ToString() (string, error) {
	size, err := r.Size()
	if err != nil {
		return "", err
	}
	b, err := r.BlitToBytes(0, size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

/*
Free releases the whole tree: every on-disk page joins the discarded
set, every in-memory page returns its buffer, children before parents.
The rope must not be used afterwards.
*/
func (r *Rope) Free() error {
	unlock := r.c.protectLRU()
	defer unlock()
	return r.root.free()
}

func (n *ropeNode) free() error {
	if n.height > 0 {
		buf, err := n.buffer()
		if err != nil {
			return err
		}
		count := nodeCount(buf)
		for i := 0; i < count; i++ {
			if i < len(n.children) && n.children[i] != nil {
				if err := n.children[i].free(); err != nil {
					return err
				}
			} else {
				id, _ := n.r.entryChild(buf, i)
				if err := n.r.freeSubtree(id, n.height-1); err != nil {
					return err
				}
			}
			// Freeing children may move our page; look it up again.
			buf, err = n.buffer()
			if err != nil {
				return err
			}
		}
	}

	if n.hasID {
		n.r.c.Discard(n.lastID)
	}
	n.r.c.Forget(n.elt)
	return nil
}

// freeSubtree discards an unmaterialized subtree straight from its
// pages, without pulling it through the eviction index.
func (r *Rope) freeSubtree(id ID, height int) error {
	if height > 0 {
		buf := r.c.pool.get()
		err := r.c.disk.Read(uint64(id), [][]byte{buf})
		if err == nil {
			count := nodeCount(buf)
			for i := 0; i < count && err == nil; i++ {
				childID, _ := r.entryChild(buf, i)
				err = r.freeSubtree(childID, height-1)
			}
		}
		r.c.pool.release([][]byte{buf})
		if err != nil {
			return err
		}
	}
	r.c.Discard(id)
	return nil
}

/*
Flush commits everything the rope still holds in memory and returns the
root's ID, the rope's size and the root digest, ready for Publish.
*/
func (r *Rope) Flush() (ID, uint64, []byte, error) {
	unlock := r.c.protectLRU()
	defer unlock()

	buf, err := r.root.buffer()
	if err != nil {
		return NilID, 0, nil, err
	}
	size := r.sizeOf(r.root, buf)

	if r.root.dirty || !r.root.hasID {
		if err := r.c.commitPending(r.root.pendingTree()); err != nil {
			return NilID, 0, nil, err
		}
	}
	return r.root.lastID, size, r.root.lastDigest, nil
}

/*
VerifyChecksum walks the on-disk part of the tree and recomputes every
page digest against the one its parent recorded. Dirty nodes have no
valid digest yet and are skipped. With checksums disabled this is a
no-op.
*/
func (r *Rope) VerifyChecksum() error {
	if r.digestSize == 0 {
		return nil
	}
	unlock := r.c.protectLRU()
	defer unlock()

	if !r.root.dirty && r.root.hasID && len(r.root.lastDigest) == r.digestSize {
		buf, err := r.root.buffer()
		if err != nil {
			return err
		}
		if !bytes.Equal(r.cs.Sum(buf), r.root.lastDigest) {
			return InvalidChecksumError{ID: r.root.lastID}
		}
	}
	return r.verifyNode(r.root)
}

func (r *Rope) verifyNode(n *ropeNode) error {
	if n.height == 0 {
		return nil
	}
	buf, err := n.buffer()
	if err != nil {
		return err
	}

	count := nodeCount(buf)
	for i := 0; i < count; i++ {
		var child *ropeNode
		if i < len(n.children) {
			child = n.children[i]
		}

		if child != nil {
			if child.dirty {
				continue
			}
			cbuf, err := child.buffer()
			if err != nil {
				return err
			}
			if !bytes.Equal(r.cs.Sum(cbuf), child.lastDigest) {
				return InvalidChecksumError{ID: child.lastID}
			}
			if err := r.verifyNode(child); err != nil {
				return err
			}
		} else {
			id, want := r.entryChild(buf, i)
			if err := r.verifySubtree(id, want, n.height-1); err != nil {
				return err
			}
		}

		buf, err = n.buffer()
		if err != nil {
			return err
		}
	}
	return nil
}

// verifySubtree checks an unmaterialized subtree straight from its
// pages.
func (r *Rope) verifySubtree(id ID, want []byte, height int) error {
	buf := r.c.pool.get()
	defer r.c.pool.release([][]byte{buf})

	if err := r.c.disk.Read(uint64(id), [][]byte{buf}); err != nil {
		return err
	}
	if !bytes.Equal(r.cs.Sum(buf), want) {
		return InvalidChecksumError{ID: id}
	}

	if height > 0 {
		count := nodeCount(buf)
		for i := 0; i < count; i++ {
			childID, childWant := r.entryChild(buf, i)
			childWant = append([]byte(nil), childWant...)
			if err := r.verifySubtree(childID, childWant, height-1); err != nil {
				return err
			}
		}
	}
	return nil
}

// buffer returns n's page bytes, reviving the node's cache element if
// an eviction round retired it.
func (n *ropeNode) buffer() ([]byte, error) {
	if n.elt.Removed() {
		if !n.hasID {
			panic("rope node lost its page without an on-disk copy")
		}
		elt, err := n.r.c.Load(n.lastID)
		if err != nil {
			return nil, err
		}
		n.elt = elt
		n.r.c.SetFinalize(elt, n.finalize)
	}
	return n.r.c.Buffer(n.elt)
}

/*
writable returns n's page bytes ready for modification. The first
modification after a commit discards the stale on-disk copy and marks
the whole path up to the root dirty, since every ancestor records this
node's location.
*/
func (n *ropeNode) writable() ([]byte, error) {
	buf, err := n.buffer()
	if err != nil {
		return nil, err
	}
	if !n.dirty {
		n.r.c.Dirty(n.elt)
		if n.hasID {
			n.r.c.Discard(n.lastID)
			n.hasID = false
			n.lastDigest = nil
		}
		n.dirty = true
		if n.parent != nil {
			if _, err := n.parent.writable(); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

// child materializes child i, loading its page record from this node's
// entry if it was never touched before.
func (n *ropeNode) child(i int) (*ropeNode, error) {
	for len(n.children) <= i {
		n.children = append(n.children, nil)
	}
	if n.children[i] != nil {
		return n.children[i], nil
	}

	buf, err := n.buffer()
	if err != nil {
		return nil, err
	}
	id, digest := n.r.entryChild(buf, i)

	elt, err := n.r.c.Load(id)
	if err != nil {
		return nil, err
	}
	child := &ropeNode{
		r:          n.r,
		elt:        elt,
		parent:     n,
		slot:       i,
		height:     n.height - 1,
		lastID:     id,
		hasID:      true,
		lastDigest: append([]byte(nil), digest...),
	}
	n.r.c.SetFinalize(elt, child.finalize)
	n.children[i] = child
	return child, nil
}

/*
finalize is the eviction callback of a rope node. A node whose last
commit is still valid just reports where it lives; a dirty node hands
back its whole dirty subtree as one batch.
*/
func (n *ropeNode) finalize() (FinalizeResult, error) {
	if !n.dirty && n.hasID {
		return FinalizeResult{Evicted: true, ID: n.lastID}, nil
	}
	return FinalizeResult{Pending: n.pendingTree()}, nil
}

/*
pendingTree collects the dirty part of n's subtree as pending writes,
children before parents by way of their heights. Collected children
leave the eviction index so the ongoing round cannot finalize them a
second time.
*/
func (n *ropeNode) pendingTree() []PendingWrite {
	var pending []PendingWrite
	for _, child := range n.children {
		if child == nil || !child.dirty {
			continue
		}
		if child.elt.attached {
			n.r.c.lru.Detach(child.elt)
		}
		pending = append(pending, child.pendingTree()...)
	}
	return append(pending, PendingWrite{
		Element: n.elt,
		Height:  n.height,
		Write:   n.commit,
	})
}

/*
commit seals n's page under its assigned ID. Child entries are brought
up to date first, which works because the batch commits children before
parents, so every child already knows its final ID.
*/
func (n *ropeNode) commit(id ID) error {
	buf := n.r.c.BufferInMemory(n.elt)

	if n.height > 0 {
		for i, child := range n.children {
			if child == nil {
				continue
			}
			if !child.hasID {
				panic("committing a node before its children")
			}
			n.r.setEntryChild(buf, i, child.lastID, child.lastDigest)
		}
	}

	n.lastID = id
	n.hasID = true
	n.dirty = false
	if n.r.digestSize > 0 {
		n.lastDigest = n.r.cs.Sum(buf)
	}
	return nil
}

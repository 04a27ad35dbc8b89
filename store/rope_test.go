package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRope(t *testing.T, sectors uint64) (*Rope, *Cache) {
	t.Helper()

	disk := NewRAMDisk(512, sectors)
	cfg := DefaultConfig()
	cfg.MaxLRUSize = 4
	cfg.MinLRUSize = 2
	c := NewCache(disk, cfg)

	r, err := NewRope(c, NoChecksum{})
	require.NoError(t, err)
	return r, c
}

// ropePattern yields a deterministic, non-repeating byte sequence.
func ropePattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/256)
	}
	return data
}

func TestRope_EmptyHasSizeZero(t *testing.T) {
	r, _ := testRope(t, 256)

	size, err := r.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	s, err := r.ToString()
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestRope_AppendReadRoundTrip(t *testing.T) {
	r, _ := testRope(t, 256)

	require.NoError(t, r.Append([]byte("hello world")))

	size, err := r.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(11), size)

	s, err := r.ToString()
	require.NoError(t, err)
	require.Equal(t, "hello world", s)
}

// A leaf holds page size minus header bytes. Filling it exactly makes
// the tree grow eagerly: the root becomes an interior node with the
// full leaf and a fresh empty one, both at the same cumulative key.
func TestRope_ExactlyFullLeafGrowsTree(t *testing.T) {
	r, _ := testRope(t, 256)

	require.Equal(t, 508, r.leafCap())
	require.NoError(t, r.Append(ropePattern(508)))

	require.Equal(t, 1, r.root.height)
	buf, err := r.root.buffer()
	require.NoError(t, err)
	require.Equal(t, 2, nodeCount(buf))
	require.Equal(t, uint32(508), r.entryKey(buf, 0))
	require.Equal(t, uint32(508), r.entryKey(buf, 1))

	size, err := r.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(508), size)
}

func TestRope_AppendSpillsIntoSecondLeaf(t *testing.T) {
	r, _ := testRope(t, 256)

	data := ropePattern(600)
	require.NoError(t, r.Append(data))

	require.Equal(t, 1, r.root.height)
	buf, err := r.root.buffer()
	require.NoError(t, err)
	require.Equal(t, 2, nodeCount(buf))
	require.Equal(t, uint32(508), r.entryKey(buf, 0))
	require.Equal(t, uint32(600), r.entryKey(buf, 1))

	got, err := r.BlitToBytes(0, 600)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// Appending far past the cache limit exercises eviction and reload
// along the way; the content must come back intact.
func TestRope_LargeAppendSurvivesEviction(t *testing.T) {
	r, _ := testRope(t, 4096)

	data := ropePattern(100_000)
	for off := 0; off < len(data); off += 1000 {
		end := off + 1000
		if end > len(data) {
			end = len(data)
		}
		require.NoError(t, r.Append(data[off:end]))
	}

	size, err := r.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)

	got, err := r.BlitToBytes(0, uint64(len(data)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestRope_BlitReadClips(t *testing.T) {
	r, _ := testRope(t, 256)
	require.NoError(t, r.Append([]byte("0123456789")))

	got, err := r.BlitToBytes(4, 100)
	require.NoError(t, err)
	require.Equal(t, []byte("456789"), got)

	got, err = r.BlitToBytes(10, 5)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = r.BlitToBytes(100, 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRope_BlitReadAtOffsets(t *testing.T) {
	r, _ := testRope(t, 1024)

	data := ropePattern(3000)
	require.NoError(t, r.Append(data))

	for _, c := range []struct{ off, n uint64 }{
		{0, 1}, {507, 2}, {508, 508}, {1000, 1500}, {2999, 1},
	} {
		got, err := r.BlitToBytes(c.off, c.n)
		require.NoError(t, err)
		require.Equal(t, data[c.off:c.off+c.n], got)
	}
}

func TestRope_BlitWriteOverwritesInPlace(t *testing.T) {
	r, _ := testRope(t, 256)
	require.NoError(t, r.Append([]byte("hello world")))

	require.NoError(t, r.BlitFromString(6, "there"))

	s, err := r.ToString()
	require.NoError(t, err)
	require.Equal(t, "hello there", s)
}

func TestRope_BlitWriteAppendsTail(t *testing.T) {
	r, _ := testRope(t, 256)
	require.NoError(t, r.Append([]byte("hello world")))

	require.NoError(t, r.BlitFromString(6, "there, stranger"))

	s, err := r.ToString()
	require.NoError(t, err)
	require.Equal(t, "hello there, stranger", s)
}

func TestRope_BlitWriteAtEndAppends(t *testing.T) {
	r, _ := testRope(t, 256)
	require.NoError(t, r.Append([]byte("hello")))

	require.NoError(t, r.BlitFromString(5, " world"))

	s, err := r.ToString()
	require.NoError(t, err)
	require.Equal(t, "hello world", s)
}

func TestRope_BlitWritePastEndFails(t *testing.T) {
	r, _ := testRope(t, 256)
	require.NoError(t, r.Append([]byte("hello")))

	require.Error(t, r.BlitFromString(6, "x"))
}

func TestRope_BlitWriteAcrossLeaves(t *testing.T) {
	r, _ := testRope(t, 1024)

	data := ropePattern(2000)
	require.NoError(t, r.Append(data))

	patch := bytes.Repeat([]byte{0xAA}, 600)
	require.NoError(t, r.BlitFromString(400, string(patch)))

	expected := append([]byte{}, data...)
	copy(expected[400:], patch)

	got, err := r.BlitToBytes(0, 2000)
	require.NoError(t, err)
	require.True(t, bytes.Equal(expected, got))
}

func TestRope_OfStringRoundTrip(t *testing.T) {
	_, c := testRope(t, 1024)

	in := string(ropePattern(1500))
	r, err := RopeOfString(c, NoChecksum{}, in)
	require.NoError(t, err)

	out, err := r.ToString()
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// Freeing a flushed rope must discard every page the tree ever
// occupied, leaves before their parents.
func TestRope_FreeDiscardsWholeTree(t *testing.T) {
	r, c := testRope(t, 1024)

	require.NoError(t, r.Append(ropePattern(5000)))
	_, _, _, err := r.Flush()
	require.NoError(t, err)

	require.NoError(t, r.Free())

	covered := map[ID]bool{}
	for _, run := range c.AcquireDiscarded() {
		for id := run.Start; id < run.End(); id++ {
			covered[id] = true
		}
	}
	for id := firstAllocatableID; id < c.alloc.next; id++ {
		require.True(t, covered[id], "ID %d was never discarded", id)
	}
	require.False(t, covered[0])
	require.False(t, covered[1])
}

func TestRope_FreeInMemoryTreeReleasesBuffers(t *testing.T) {
	r, c := testRope(t, 1024)

	require.NoError(t, r.Append(ropePattern(1000)))
	require.NoError(t, r.Free())

	// Nothing ever hit the disk, so there is nothing to discard.
	require.Empty(t, c.AcquireDiscarded())
	require.Equal(t, uint(0), c.lru.Len())
}

func TestRope_FlushReturnsStableRoot(t *testing.T) {
	r, _ := testRope(t, 1024)

	data := ropePattern(3000)
	require.NoError(t, r.Append(data))

	id, size, _, err := r.Flush()
	require.NoError(t, err)
	require.NotEqual(t, NilID, id)
	require.Equal(t, uint64(3000), size)

	// Flushing an unchanged rope must name the same root again.
	id2, size2, _, err := r.Flush()
	require.NoError(t, err)
	require.Equal(t, id, id2)
	require.Equal(t, size, size2)

	// The rope stays readable after its pages went out.
	got, err := r.BlitToBytes(0, 3000)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestRope_ModifyAfterFlushDiscardsOldPages(t *testing.T) {
	r, c := testRope(t, 1024)

	require.NoError(t, r.Append(ropePattern(600)))
	_, _, _, err := r.Flush()
	require.NoError(t, err)
	require.Empty(t, c.AcquireDiscarded())

	// Overwriting one byte invalidates the leaf holding it and, with
	// it, the whole path up to the root.
	require.NoError(t, r.BlitFromString(0, "x"))
	_, _, _, err = r.Flush()
	require.NoError(t, err)

	require.NotEmpty(t, c.AcquireDiscarded())
}

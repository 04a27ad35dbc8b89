package store

import "testing"

func TestBufferPool_GetReturnsZeroedBuffers(t *testing.T) {
	pool := newBufferPool(64, 4)

	buf := pool.get()
	for i := range buf {
		buf[i] = 0xff
	}
	pool.release([][]byte{buf})

	buf = pool.get()
	if len(buf) != 64 {
		t.Fatalf("Actual len = %d, Expected == 64", len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("Actual buf[%d] = %#x, Expected == 0", i, b)
		}
	}
}

func TestBufferPool_RecyclesBuffers(t *testing.T) {
	pool := newBufferPool(64, 4)

	a := pool.get()
	pool.release([][]byte{a})

	b := pool.get()
	if &a[0] != &b[0] {
		t.Errorf("Actual fresh buffer, Expected == recycled buffer")
	}
}

// The capacity gate is checked before the released list is counted, so
// a single release may carry the pool past its limit; those buffers are
// kept, and further releases bounce.
func TestBufferPool_ReleaseAccounting(t *testing.T) {
	pool := newBufferPool(8, 2)

	batch := [][]byte{make([]byte, 8), make([]byte, 8), make([]byte, 8)}
	pool.release(batch)
	if pool.len() != 3 {
		t.Errorf("Actual pooled = %d, Expected == 3", pool.len())
	}

	pool.release([][]byte{make([]byte, 8)})
	if pool.len() != 3 {
		t.Errorf("Actual pooled = %d, Expected == 3 (gate closed)", pool.len())
	}

	// Taking buffers out reopens the gate eventually.
	pool.get()
	pool.get()
	pool.release([][]byte{make([]byte, 8)})
	if pool.len() != 2 {
		t.Errorf("Actual pooled = %d, Expected == 2", pool.len())
	}
}

func TestBufferPool_Drain(t *testing.T) {
	pool := newBufferPool(8, 2)
	pool.release([][]byte{make([]byte, 8)})

	pool.drain()
	if pool.len() != 0 {
		t.Errorf("Actual pooled = %d, Expected == 0", pool.len())
	}
}

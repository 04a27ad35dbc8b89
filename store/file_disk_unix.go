//go:build unix

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

func readVectored(file *os.File, off int64, bufs [][]byte) error {
	for len(bufs) > 0 {
		n, err := unix.Preadv(int(file.Fd()), bufs, off)
		if err != nil {
			return err
		}
		bufs, off = advance(bufs, off, n)
	}
	return nil
}

func writeVectored(file *os.File, off int64, bufs [][]byte) error {
	for len(bufs) > 0 {
		n, err := unix.Pwritev(int(file.Fd()), bufs, off)
		if err != nil {
			return err
		}
		bufs, off = advance(bufs, off, n)
	}
	return nil
}

// advance skips past the first n transferred bytes of bufs. Buffers are
// all sector-sized, so a short transfer can only split at most one of
// them; the split buffer is resliced in place of being copied.
func advance(bufs [][]byte, off int64, n int) ([][]byte, int64) {
	off += int64(n)
	for n > 0 && len(bufs) > 0 {
		if n >= len(bufs[0]) {
			n -= len(bufs[0])
			bufs = bufs[1:]
		} else {
			rest := make([][]byte, len(bufs))
			copy(rest, bufs)
			rest[0] = rest[0][n:]
			bufs = rest
			n = 0
		}
	}
	return bufs, off
}

//go:build !unix

package store

import "os"

func readVectored(file *os.File, off int64, bufs [][]byte) error {
	for _, buf := range bufs {
		if _, err := file.ReadAt(buf, off); err != nil {
			return err
		}
		off += int64(len(buf))
	}
	return nil
}

func writeVectored(file *os.File, off int64, bufs [][]byte) error {
	for _, buf := range bufs {
		if _, err := file.WriteAt(buf, off); err != nil {
			return err
		}
		off += int64(len(buf))
	}
	return nil
}

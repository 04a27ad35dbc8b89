package store

import (
	"fmt"
	"os"
)

/*
FileDisk is a Disk backed by a regular file used as a disk image.

The file must already have its full size; FileDisk never grows it. On
unix the vectored entry points translate multi-buffer calls into a single
preadv/pwritev syscall.
*/
type FileDisk struct {
	file        *os.File
	sectorSize  uint32
	sizeSectors uint64
}

/*
OpenFileDisk opens an existing disk image with the given sector size. The
image size must be a whole number of sectors.
*/
func OpenFileDisk(path string, sectorSize uint32) (*FileDisk, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	size := stat.Size()
	if size%int64(sectorSize) != 0 {
		_ = file.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of sector size %d", size, sectorSize)
	}

	return &FileDisk{
		file:        file,
		sectorSize:  sectorSize,
		sizeSectors: uint64(size) / uint64(sectorSize),
	}, nil
}

/*
CreateFileDisk creates a new zero-filled disk image of the given geometry.
It fails if the file already exists.
*/
func CreateFileDisk(path string, sectorSize uint32, sizeSectors uint64) (*FileDisk, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(sectorSize) * int64(sizeSectors)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}

	return &FileDisk{
		file:        file,
		sectorSize:  sectorSize,
		sizeSectors: sizeSectors,
	}, nil
}

func (d *FileDisk) Info() DiskInfo {
	return DiskInfo{
		SectorSize:  d.sectorSize,
		SizeSectors: d.sizeSectors,
	}
}

func (d *FileDisk) Read(startSector uint64, bufs [][]byte) error {
	if err := d.check(startSector, bufs); err != nil {
		return ReadError{Err: err}
	}
	if err := readVectored(d.file, int64(startSector)*int64(d.sectorSize), bufs); err != nil {
		return ReadError{Err: err}
	}
	return nil
}

func (d *FileDisk) Write(startSector uint64, bufs [][]byte) error {
	if err := d.check(startSector, bufs); err != nil {
		return WriteError{Err: err}
	}
	if err := writeVectored(d.file, int64(startSector)*int64(d.sectorSize), bufs); err != nil {
		return WriteError{Err: err}
	}
	return nil
}

// Sync flushes buffered writes to stable storage.
func (d *FileDisk) Sync() error {
	return d.file.Sync()
}

func (d *FileDisk) Close() error {
	return d.file.Close()
}

func (d *FileDisk) check(startSector uint64, bufs [][]byte) error {
	if startSector+uint64(len(bufs)) > d.sizeSectors {
		return fmt.Errorf(
			"sectors [%d, %d) out of bounds for disk of %d sectors",
			startSector, startSector+uint64(len(bufs)), d.sizeSectors,
		)
	}
	for _, buf := range bufs {
		if uint32(len(buf)) != d.sectorSize {
			return fmt.Errorf("buffer of %d bytes does not match sector size %d", len(buf), d.sectorSize)
		}
	}
	return nil
}

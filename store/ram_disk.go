package store

import "fmt"

/*
RAMDisk is an in-memory Disk backed by a single flat buffer.

It is primarily meant for tests, where it removes the file system from
the picture, but is a fully conforming implementation.
*/
type RAMDisk struct {
	sectorSize uint32
	data       []byte
}

/*
NewRAMDisk creates a RAM disk with the given sector size and number of
sectors. All sectors start out zeroed.
*/
func NewRAMDisk(sectorSize uint32, sizeSectors uint64) *RAMDisk {
	return &RAMDisk{
		sectorSize: sectorSize,
		data:       make([]byte, uint64(sectorSize)*sizeSectors),
	}
}

func (d *RAMDisk) Info() DiskInfo {
	return DiskInfo{
		SectorSize:  d.sectorSize,
		SizeSectors: uint64(len(d.data)) / uint64(d.sectorSize),
	}
}

func (d *RAMDisk) Read(startSector uint64, bufs [][]byte) error {
	off, err := d.offset(startSector, bufs)
	if err != nil {
		return ReadError{Err: err}
	}
	for _, buf := range bufs {
		copy(buf, d.data[off:off+uint64(d.sectorSize)])
		off += uint64(d.sectorSize)
	}
	return nil
}

func (d *RAMDisk) Write(startSector uint64, bufs [][]byte) error {
	off, err := d.offset(startSector, bufs)
	if err != nil {
		return WriteError{Err: err}
	}
	for _, buf := range bufs {
		copy(d.data[off:off+uint64(d.sectorSize)], buf)
		off += uint64(d.sectorSize)
	}
	return nil
}

// offset validates the request and returns the byte offset of startSector.
func (d *RAMDisk) offset(startSector uint64, bufs [][]byte) (uint64, error) {
	info := d.Info()
	if startSector+uint64(len(bufs)) > info.SizeSectors {
		return 0, fmt.Errorf(
			"sectors [%d, %d) out of bounds for disk of %d sectors",
			startSector, startSector+uint64(len(bufs)), info.SizeSectors,
		)
	}
	for _, buf := range bufs {
		if uint32(len(buf)) != d.sectorSize {
			return 0, fmt.Errorf("buffer of %d bytes does not match sector size %d", len(buf), d.sectorSize)
		}
	}
	return startSector * uint64(d.sectorSize), nil
}

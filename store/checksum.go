package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

/*
Checksum is a pluggable page digest.

Interior pages store a digest next to each child pointer, and the
generation record stores the digest of the root, so a whole tree can be
verified top down. The algorithm is fixed at format time.
*/
type Checksum interface {
	// Name identifies the algorithm in the generation record.
	Name() string
	// Size is the digest length in bytes. A size of zero disables
	// checksumming entirely.
	Size() int
	// Sum returns the digest of b, Size bytes long.
	Sum(b []byte) []byte
}

// NoChecksum disables page digests. Child pointers carry no digest
// bytes and verification always passes.
type NoChecksum struct{}

func (NoChecksum) Name() string       { return "none" }
func (NoChecksum) Size() int          { return 0 }
func (NoChecksum) Sum(_ []byte) []byte { return nil }

// CRC32 digests pages with the IEEE polynomial.
type CRC32 struct{}

func (CRC32) Name() string { return "crc32" }
func (CRC32) Size() int    { return 4 }

func (CRC32) Sum(b []byte) []byte {
	digest := make([]byte, 4)
	binary.BigEndian.PutUint32(digest, crc32.ChecksumIEEE(b))
	return digest
}

// XXHash64 digests pages with xxHash, trading digest size for speed on
// large pages.
type XXHash64 struct{}

func (XXHash64) Name() string { return "xxhash64" }
func (XXHash64) Size() int    { return 8 }

func (XXHash64) Sum(b []byte) []byte {
	digest := make([]byte, 8)
	binary.BigEndian.PutUint64(digest, xxhash.Sum64(b))
	return digest
}

// ChecksumByName returns the algorithm registered under name.
func ChecksumByName(name string) (Checksum, error) {
	switch name {
	case "none", "":
		return NoChecksum{}, nil
	case "crc32":
		return CRC32{}, nil
	case "xxhash64":
		return XXHash64{}, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

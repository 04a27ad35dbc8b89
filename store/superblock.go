package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"
)

// The two reserved sectors holding the alternating generation records.
const (
	generationSlotA uint64 = 0
	generationSlotB uint64 = 1
)

var generationMagic = [8]byte{'R', 'O', 'P', 'E', 'S', 'T', 'O', 'R'}

const generationVersion uint16 = 1

// Fixed layout of a generation record inside its sector.
const (
	genOffMagic      = 0
	genOffVersion    = 8
	genOffPageSize   = 10
	genOffNbSectors  = 14
	genOffGeneration = 22
	genOffRootID     = 30
	genOffRootSize   = 38
	genOffFrontier   = 46
	genOffAlgoName   = 54 // 16 bytes, zero padded
	genOffDigestSize = 70
	genOffDigest     = 71 // digestSize bytes, crc32 of the record follows
)

const algoNameLen = 16

/*
generationRecord is the decoded form of one superblock slot.

The record pins down everything needed to read the tree it names: the
device geometry it was formatted for, the digest algorithm, the root
page with its size and digest, and the allocation frontier. A crc32 over
the record detects torn or corrupted slots.
*/
type generationRecord struct {
	pageSize   uint32
	nbSectors  uint64
	generation uint64
	rootID     ID
	rootSize   uint64
	frontier   ID
	algoName   string
	digest     []byte
}

func (r *generationRecord) encode(buf []byte) {
	clear(buf)
	copy(buf[genOffMagic:], generationMagic[:])
	binary.BigEndian.PutUint16(buf[genOffVersion:], generationVersion)
	binary.BigEndian.PutUint32(buf[genOffPageSize:], r.pageSize)
	binary.BigEndian.PutUint64(buf[genOffNbSectors:], r.nbSectors)
	binary.BigEndian.PutUint64(buf[genOffGeneration:], r.generation)
	binary.BigEndian.PutUint64(buf[genOffRootID:], uint64(r.rootID))
	binary.BigEndian.PutUint64(buf[genOffRootSize:], r.rootSize)
	binary.BigEndian.PutUint64(buf[genOffFrontier:], uint64(r.frontier))
	copy(buf[genOffAlgoName:genOffAlgoName+algoNameLen], r.algoName)
	buf[genOffDigestSize] = byte(len(r.digest))
	copy(buf[genOffDigest:], r.digest)

	end := genOffDigest + len(r.digest)
	sum := crc32.ChecksumIEEE(buf[:end])
	binary.BigEndian.PutUint32(buf[end:], sum)
}

// decodeGeneration parses a slot. It reports hasMagic separately so Open can tell
// an unformatted disk from a corrupted one.
func decodeGeneration(buf []byte) (rec generationRecord, hasMagic bool, ok bool) {
	if !bytes.Equal(buf[genOffMagic:genOffMagic+8], generationMagic[:]) {
		return rec, false, false
	}
	hasMagic = true

	if binary.BigEndian.Uint16(buf[genOffVersion:]) != generationVersion {
		return rec, hasMagic, false
	}
	digestSize := int(buf[genOffDigestSize])
	end := genOffDigest + digestSize
	if end+4 > len(buf) {
		return rec, hasMagic, false
	}
	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return rec, hasMagic, false
	}

	rec.pageSize = binary.BigEndian.Uint32(buf[genOffPageSize:])
	rec.nbSectors = binary.BigEndian.Uint64(buf[genOffNbSectors:])
	rec.generation = binary.BigEndian.Uint64(buf[genOffGeneration:])
	rec.rootID = ID(binary.BigEndian.Uint64(buf[genOffRootID:]))
	rec.rootSize = binary.BigEndian.Uint64(buf[genOffRootSize:])
	rec.frontier = ID(binary.BigEndian.Uint64(buf[genOffFrontier:]))
	rec.algoName = string(bytes.TrimRight(buf[genOffAlgoName:genOffAlgoName+algoNameLen], "\x00"))
	rec.digest = append([]byte(nil), buf[genOffDigest:end]...)

	return rec, hasMagic, true
}

/*
Store ties a formatted disk, its page cache and its current generation
together.

A store is single-writer: one mutator works on the tree in memory and
makes its work durable with Publish, which swaps in the next generation
record. Until a Publish lands, the previous generation remains intact on
disk, which is also why freed pages sit in the discarded set instead of
going straight back to the allocator.
*/
type Store struct {
	disk  Disk
	cache *Cache
	cs    Checksum

	current generationRecord
	slot    uint64

	log *zap.Logger
}

/*
Format initializes a disk for use as a rope store, writing generation 1
with an empty root into the first slot. Any previous content of the two
superblock sectors is overwritten; the rest of the disk is left alone.
*/
func Format(disk Disk, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	info := disk.Info()
	if info.SizeSectors <= uint64(firstAllocatableID) {
		return fmt.Errorf("disk of %d sectors is too small", info.SizeSectors)
	}
	cs, err := ChecksumByName(cfg.ChecksumAlgorithm)
	if err != nil {
		return err
	}
	if len(cs.Name()) > algoNameLen {
		return fmt.Errorf("checksum algorithm name %q is too long", cs.Name())
	}

	rec := generationRecord{
		pageSize:   info.SectorSize,
		nbSectors:  info.SizeSectors,
		generation: 1,
		rootID:     NilID,
		rootSize:   0,
		frontier:   firstAllocatableID,
		algoName:   cs.Name(),
	}

	// Blank the second slot so no older generation can outrank the new one.
	if err := disk.Write(generationSlotB, [][]byte{make([]byte, info.SectorSize)}); err != nil {
		return err
	}

	buf := make([]byte, info.SectorSize)
	rec.encode(buf)
	if err := disk.Write(generationSlotA, [][]byte{buf}); err != nil {
		return err
	}

	cfg.Logger.Info("formatted disk",
		zap.Uint32("page_size", info.SectorSize),
		zap.Uint64("nb_sectors", info.SizeSectors),
		zap.String("checksum", cs.Name()),
	)
	return nil
}

/*
Open validates the superblock of a formatted disk and returns a store
positioned at its latest intact generation.
*/
func Open(disk Disk, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	info := disk.Info()

	bufA := make([]byte, info.SectorSize)
	bufB := make([]byte, info.SectorSize)
	if err := disk.Read(generationSlotA, [][]byte{bufA}); err != nil {
		return nil, err
	}
	if err := disk.Read(generationSlotB, [][]byte{bufB}); err != nil {
		return nil, err
	}

	recA, magicA, okA := decodeGeneration(bufA)
	recB, magicB, okB := decodeGeneration(bufB)

	if !magicA && !magicB {
		return nil, ErrDiskNotFormatted
	}
	if !okA && !okB {
		return nil, ErrAllGenerationsCorrupted
	}

	rec, slot := recA, generationSlotA
	if !okA || (okB && recB.generation > recA.generation) {
		rec, slot = recB, generationSlotB
	}

	if rec.pageSize != info.SectorSize {
		return nil, WrongPageSizeError{Recorded: rec.pageSize, Device: info.SectorSize}
	}
	if rec.nbSectors != info.SizeSectors {
		return nil, WrongDiskSizeError{Recorded: rec.nbSectors, Device: info.SizeSectors}
	}
	if rec.algoName != cfg.ChecksumAlgorithm && !(rec.algoName == "none" && cfg.ChecksumAlgorithm == "") {
		return nil, WrongChecksumAlgorithmError{Recorded: rec.algoName, Configured: cfg.ChecksumAlgorithm}
	}

	cs, err := ChecksumByName(rec.algoName)
	if err != nil {
		return nil, err
	}

	cache := NewCache(disk, cfg)
	cache.alloc.next = rec.frontier

	s := &Store{
		disk:    disk,
		cache:   cache,
		cs:      cs,
		current: rec,
		slot:    slot,
		log:     cfg.Logger,
	}

	s.log.Info("opened store",
		zap.Uint64("generation", rec.generation),
		zap.Uint64("root", uint64(rec.rootID)),
		zap.Uint64("root_size", rec.rootSize),
	)
	return s, nil
}

// Cache returns the page cache of the store.
func (s *Store) Cache() *Cache {
	return s.cache
}

// Checksum returns the digest algorithm the store was formatted with.
func (s *Store) Checksum() Checksum {
	return s.cs
}

// Generation returns the number of the current generation.
func (s *Store) Generation() uint64 {
	return s.current.generation
}

// Root returns the root page, its byte size and its digest as of the
// current generation. A NilID root means the store holds no tree yet.
func (s *Store) Root() (ID, uint64, []byte) {
	return s.current.rootID, s.current.rootSize, s.current.digest
}

/*
Publish makes a new tree durable as the next generation.

The record goes into the slot not holding the current generation, so a
failure mid-write leaves the current generation untouched. Once the
record is written the pages discarded since the previous publish are no
longer referenced by any record on disk and return to the allocator.
*/
func (s *Store) Publish(rootID ID, rootSize uint64, digest []byte) error {
	next := generationRecord{
		pageSize:   s.current.pageSize,
		nbSectors:  s.current.nbSectors,
		generation: s.current.generation + 1,
		rootID:     rootID,
		rootSize:   rootSize,
		frontier:   s.cache.alloc.next,
		algoName:   s.cs.Name(),
		digest:     digest,
	}
	slot := generationSlotA
	if s.slot == generationSlotA {
		slot = generationSlotB
	}

	buf := make([]byte, s.current.pageSize)
	next.encode(buf)
	if err := s.disk.Write(slot, [][]byte{buf}); err != nil {
		return err
	}

	s.current = next
	s.slot = slot
	s.cache.ReleaseRuns(s.cache.AcquireDiscarded())

	s.log.Info("published generation",
		zap.Uint64("generation", next.generation),
		zap.Uint64("root", uint64(next.rootID)),
		zap.Uint64("root_size", next.rootSize),
	)
	return nil
}

/*
Commit flushes a rope and publishes its root as the next generation.
*/
func (s *Store) Commit(r *Rope) error {
	id, size, digest, err := r.Flush()
	if err != nil {
		return err
	}
	return s.Publish(id, size, digest)
}

/*
Rope returns the tree of the current generation, or a fresh empty rope
if none was published yet.
*/
func (s *Store) Rope() (*Rope, error) {
	rootID, rootSize, digest := s.Root()
	if rootID == NilID {
		return NewRope(s.cache, s.cs)
	}
	return LoadRope(s.cache, s.cs, rootID, rootSize, digest)
}

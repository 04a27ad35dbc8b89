package store

import (
	"bytes"
	"errors"
	"testing"
)

func TestRAMDisk_Info(t *testing.T) {
	disk := NewRAMDisk(512, 32)

	info := disk.Info()
	if info.SectorSize != 512 {
		t.Errorf("Actual SectorSize = %d, Expected == 512", info.SectorSize)
	}
	if info.SizeSectors != 32 {
		t.Errorf("Actual SizeSectors = %d, Expected == 32", info.SizeSectors)
	}
}

func TestRAMDisk_WriteReadRoundTrip(t *testing.T) {
	disk := NewRAMDisk(16, 8)

	out := []byte("0123456789abcdef")
	if err := disk.Write(3, [][]byte{out}); err != nil {
		t.Fatalf("Actual error = %s, Expected == nil", err)
	}

	in := make([]byte, 16)
	if err := disk.Read(3, [][]byte{in}); err != nil {
		t.Fatalf("Actual error = %s, Expected == nil", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("Actual read = %q, Expected == %q", in, out)
	}
}

func TestRAMDisk_VectoredCallsHitContiguousSectors(t *testing.T) {
	disk := NewRAMDisk(4, 8)

	bufs := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	if err := disk.Write(2, bufs); err != nil {
		t.Fatalf("Actual error = %s, Expected == nil", err)
	}

	for i, expected := range []string{"aaaa", "bbbb", "cccc"} {
		in := make([]byte, 4)
		if err := disk.Read(uint64(2+i), [][]byte{in}); err != nil {
			t.Fatalf("Actual error = %s, Expected == nil", err)
		}
		if string(in) != expected {
			t.Errorf("Actual sector %d = %q, Expected == %q", 2+i, in, expected)
		}
	}
}

func TestRAMDisk_OutOfBounds(t *testing.T) {
	disk := NewRAMDisk(4, 4)

	err := disk.Write(3, [][]byte{[]byte("aaaa"), []byte("bbbb")})
	var wErr WriteError
	if !errors.As(err, &wErr) {
		t.Errorf("Actual error = %v, Expected == WriteError", err)
	}

	err = disk.Read(4, [][]byte{make([]byte, 4)})
	var rErr ReadError
	if !errors.As(err, &rErr) {
		t.Errorf("Actual error = %v, Expected == ReadError", err)
	}
}

func TestRAMDisk_RejectsWrongBufferSize(t *testing.T) {
	disk := NewRAMDisk(4, 4)

	if err := disk.Write(0, [][]byte{[]byte("toolong")}); err == nil {
		t.Errorf("Actual error = nil, Expected == buffer size error")
	}
}

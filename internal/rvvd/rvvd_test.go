package rvvd

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.rvvd")

	d, err := Create(path, 16, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	buf := bytes.Repeat([]byte{0xab}, SectorSize*3)
	if _, err := d.Write(buf, SectorSize*2); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, SectorSize*3)
	if _, err := d.Read(got, SectorSize*2); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read(write(buf, off)) did not round-trip")
	}
}

func TestUnwrittenSectorReadsZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.rvvd")

	d, err := Create(path, 4, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	buf := make([]byte, SectorSize)
	if _, err := d.Read(buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, SectorSize)) {
		t.Fatal("unwritten sector with no base did not read as zero")
	}
}

func TestOverlayFallsThroughToBase(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.rvvd")
	overlayPath := filepath.Join(dir, "overlay.rvvd")

	base, err := Create(basePath, 8, "")
	if err != nil {
		t.Fatalf("Create base: %v", err)
	}
	baseSector := bytes.Repeat([]byte{0xcd}, SectorSize)
	if _, err := base.Write(baseSector, SectorSize); err != nil {
		t.Fatalf("base.Write: %v", err)
	}
	if err := base.Close(); err != nil {
		t.Fatalf("base.Close: %v", err)
	}

	overlay, err := Create(overlayPath, 8, "base.rvvd")
	if err != nil {
		t.Fatalf("Create overlay: %v", err)
	}
	defer overlay.Close()

	got := make([]byte, SectorSize)
	if _, err := overlay.Read(got, SectorSize); err != nil {
		t.Fatalf("overlay.Read: %v", err)
	}
	if !bytes.Equal(got, baseSector) {
		t.Fatal("overlay read of unwritten sector did not fall through to base")
	}

	overlaySector := bytes.Repeat([]byte{0xef}, SectorSize)
	if _, err := overlay.Write(overlaySector, SectorSize); err != nil {
		t.Fatalf("overlay.Write: %v", err)
	}
	got2 := make([]byte, SectorSize)
	if _, err := overlay.Read(got2, SectorSize); err != nil {
		t.Fatalf("overlay.Read after write: %v", err)
	}
	if !bytes.Equal(got2, overlaySector) {
		t.Fatal("overlay write did not shadow the base sector")
	}

	// Base itself must be unaffected by the overlay's write.
	baseReopened, err := Open(basePath)
	if err != nil {
		t.Fatalf("reopen base: %v", err)
	}
	defer baseReopened.Close()
	got3 := make([]byte, SectorSize)
	if _, err := baseReopened.Read(got3, SectorSize); err != nil {
		t.Fatalf("base.Read: %v", err)
	}
	if !bytes.Equal(got3, baseSector) {
		t.Fatal("overlay write leaked into base image")
	}
}

func TestTrimFallsThroughAgain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.rvvd")
	d, err := Create(path, 4, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if _, err := d.Write(bytes.Repeat([]byte{1}, SectorSize), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Trim(0, SectorSize); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	got := make([]byte, SectorSize)
	if _, err := d.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, SectorSize)) {
		t.Fatal("trimmed sector with no base did not read as zero")
	}
}

func TestMisalignedOffsetRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.rvvd")
	d, err := Create(path, 4, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if _, err := d.Read(make([]byte, SectorSize), 1); err != ErrMisaligned {
		t.Fatalf("Read with misaligned offset: err = %v, want ErrMisaligned", err)
	}
	if _, err := d.Write(make([]byte, 1), 0); err != ErrMisaligned {
		t.Fatalf("Write with misaligned count: err = %v, want ErrMisaligned", err)
	}
}

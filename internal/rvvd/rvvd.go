// Package rvvd implements the RVVD virtual disk format (spec §6, "RVVD"):
// a 512-byte header, a flat sector offset table, and a bump-allocated data
// region, with optional overlay-over-base fallthrough for unwritten
// sectors. NVMe/VirtIO device models sit on top of a *Disk the same way
// the teacher's virtioBlock sits on top of a flat in-memory byte slice
// (internal/hv/riscv/ccvm/virtblock.go) -- RVVD replaces that slice with a
// sparse, growable, overlay-capable file format, so the allocation table
// and overlay fallthrough below have no teacher precedent and are built
// from the spec text directly.
package rvvd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// SectorSize is the unit of allocation and the alignment every read/write
// offset and count must satisfy.
const SectorSize = 512

const (
	headerSize    = 512
	magicValue    = "RVVD"
	currentVer    = 1
	baseNameField = 256

	offMagic     = 0
	offVersion   = 4
	offSectors   = 8
	offNextFree  = 16
	offOverlay   = 24
	offCompress  = 25
	offBaseName  = 26
	headerMinLen = offBaseName + baseNameField
)

var (
	// ErrBadMagic is returned by Open when the file does not start with
	// the RVVD magic.
	ErrBadMagic = errors.New("rvvd: bad magic")
	// ErrUnsupportedVersion is returned by Open for a version this
	// package does not know how to read.
	ErrUnsupportedVersion = errors.New("rvvd: unsupported version")
	// ErrMisaligned is returned when an offset or count is not a
	// multiple of SectorSize.
	ErrMisaligned = errors.New("rvvd: offset/count must be 512-aligned")
)

// header is the on-disk 512-byte RVVD header (spec §6).
type header struct {
	version        uint32
	sizeSectors    uint64
	nextFreeSector uint64
	overlay        bool
	compression    byte
	baseFilename   string
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[offMagic:], magicValue)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.version)
	binary.LittleEndian.PutUint64(buf[offSectors:], h.sizeSectors)
	binary.LittleEndian.PutUint64(buf[offNextFree:], h.nextFreeSector)
	if h.overlay {
		buf[offOverlay] = 1
	}
	buf[offCompress] = h.compression
	copy(buf[offBaseName:offBaseName+baseNameField], h.baseFilename)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerMinLen {
		return nil, fmt.Errorf("rvvd: short header (%d bytes)", len(buf))
	}
	if string(buf[offMagic:offMagic+4]) != magicValue {
		return nil, ErrBadMagic
	}
	h := &header{
		version:        binary.LittleEndian.Uint32(buf[offVersion:]),
		sizeSectors:    binary.LittleEndian.Uint64(buf[offSectors:]),
		nextFreeSector: binary.LittleEndian.Uint64(buf[offNextFree:]),
		overlay:        buf[offOverlay]&1 != 0,
		compression:    buf[offCompress],
	}
	if h.version != currentVer {
		return nil, ErrUnsupportedVersion
	}
	name := buf[offBaseName : offBaseName+baseNameField]
	if i := indexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	h.baseFilename = string(name)
	return h, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func tableBytes(sizeSectors uint64) int64 { return int64(sizeSectors) * 8 }
func dataRegionStart(sizeSectors uint64) int64 {
	return headerSize + tableBytes(sizeSectors)
}

// Disk is an open RVVD image: its own header, its sector offset table (one
// absolute file offset per guest sector, 0 = unallocated), and, for an
// overlay, the base Disk reads fall through to.
type Disk struct {
	f      *os.File
	path   string
	hdr    *header
	table  []uint64 // guest sector -> absolute byte offset in f, 0 = unallocated
	base   *Disk
	closed bool
}

// Create initializes a new RVVD image at path with room for sizeSectors
// guest sectors. If baseFilename is non-empty the image is an overlay:
// reads of unallocated sectors fall through to that base image, opened
// relative to path's directory.
func Create(path string, sizeSectors uint64, baseFilename string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rvvd: create %s: %w", path, err)
	}
	h := &header{
		version:      currentVer,
		sizeSectors:  sizeSectors,
		overlay:      baseFilename != "",
		baseFilename: baseFilename,
	}
	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("rvvd: write header: %w", err)
	}
	table := make([]byte, tableBytes(sizeSectors))
	if _, err := f.WriteAt(table, headerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("rvvd: write sector table: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	return Open(path)
}

// Open opens an existing RVVD image, loading its header and sector table
// into memory and, for an overlay, recursively opening its base image
// (resolved relative to path's directory).
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rvvd: open %s: %w", path, err)
	}
	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("rvvd: read header: %w", err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	rawTable := make([]byte, tableBytes(hdr.sizeSectors))
	if _, err := f.ReadAt(rawTable, headerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("rvvd: read sector table: %w", err)
	}
	table := make([]uint64, hdr.sizeSectors)
	for i := range table {
		table[i] = binary.LittleEndian.Uint64(rawTable[i*8:])
	}

	d := &Disk{f: f, path: path, hdr: hdr, table: table}

	if hdr.overlay {
		base, err := Open(resolveSibling(path, hdr.baseFilename))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("rvvd: open base %q: %w", hdr.baseFilename, err)
		}
		d.base = base
	}
	return d, nil
}

func resolveSibling(path, name string) string {
	if name == "" {
		return name
	}
	dir := ""
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i+1]
			break
		}
	}
	return dir + name
}

// Size returns the image's logical size in bytes.
func (d *Disk) Size() uint64 { return d.hdr.sizeSectors * SectorSize }

func checkAlign(off, count uint64) error {
	if off%SectorSize != 0 || count%SectorSize != 0 {
		return ErrMisaligned
	}
	return nil
}

// Read fills buf (whose length must be 512-aligned) starting at the
// 512-aligned byte offset off. An unallocated sector in an overlay falls
// through to the base image's corresponding sector; an unallocated sector
// with no base reads as zero.
func (d *Disk) Read(buf []byte, off uint64) (int, error) {
	if err := checkAlign(off, uint64(len(buf))); err != nil {
		return 0, err
	}
	n := 0
	for n < len(buf) {
		sector := (off + uint64(n)) / SectorSize
		if sector >= uint64(len(d.table)) {
			return n, fmt.Errorf("rvvd: read past end of disk at sector %d", sector)
		}
		chunk := buf[n : n+SectorSize]
		if fileOff := d.table[sector]; fileOff != 0 {
			if _, err := d.f.ReadAt(chunk, int64(fileOff)); err != nil {
				return n, fmt.Errorf("rvvd: read sector %d: %w", sector, err)
			}
		} else if d.base != nil {
			if _, err := d.base.Read(chunk, sector*SectorSize); err != nil {
				return n, err
			}
		} else {
			for i := range chunk {
				chunk[i] = 0
			}
		}
		n += SectorSize
	}
	return n, nil
}

// Write stores buf (whose length must be 512-aligned) starting at the
// 512-aligned byte offset off, allocating fresh data sectors for any
// guest sector written for the first time. Writes always land in this
// image, never in a base (spec §6: "writes always land in the overlay").
func (d *Disk) Write(buf []byte, off uint64) (int, error) {
	if err := checkAlign(off, uint64(len(buf))); err != nil {
		return 0, err
	}
	n := 0
	for n < len(buf) {
		sector := (off + uint64(n)) / SectorSize
		if sector >= uint64(len(d.table)) {
			return n, fmt.Errorf("rvvd: write past end of disk at sector %d", sector)
		}
		chunk := buf[n : n+SectorSize]
		fileOff := d.table[sector]
		if fileOff == 0 {
			fileOff = uint64(dataRegionStart(d.hdr.sizeSectors)) + d.hdr.nextFreeSector*SectorSize
			d.hdr.nextFreeSector++
			d.table[sector] = fileOff
			if err := d.writeTableEntry(sector, fileOff); err != nil {
				return n, err
			}
		}
		if _, err := d.f.WriteAt(chunk, int64(fileOff)); err != nil {
			return n, fmt.Errorf("rvvd: write sector %d: %w", sector, err)
		}
		n += SectorSize
	}
	return n, nil
}

func (d *Disk) writeTableEntry(sector, fileOff uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], fileOff)
	if _, err := d.f.WriteAt(b[:], headerSize+int64(sector)*8); err != nil {
		return fmt.Errorf("rvvd: update sector table entry %d: %w", sector, err)
	}
	return nil
}

// Trim marks the sectors in [offset, offset+count) as unallocated again,
// so a subsequent read falls through to the base (or to zero). The
// underlying file space is not reclaimed; trim is advisory, per spec §6
// ("may no-op").
func (d *Disk) Trim(offset, count uint64) error {
	if err := checkAlign(offset, count); err != nil {
		return err
	}
	first, last := offset/SectorSize, (offset+count)/SectorSize
	for s := first; s < last; s++ {
		if s >= uint64(len(d.table)) {
			break
		}
		d.table[s] = 0
		if err := d.writeTableEntry(s, 0); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the header (to persist nextFreeSector) and underlying file
// to stable storage.
func (d *Disk) Sync() error {
	if _, err := d.f.WriteAt(d.hdr.encode(), 0); err != nil {
		return fmt.Errorf("rvvd: sync header: %w", err)
	}
	return d.f.Sync()
}

// Close syncs and closes the image, and recursively closes its base.
func (d *Disk) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.Sync()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	if d.base != nil {
		if berr := d.base.Close(); err == nil {
			err = berr
		}
	}
	return err
}

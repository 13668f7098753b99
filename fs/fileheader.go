package fs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// headerFixedBytes is the byte cost of a FileHeader's fields other than the
// direct sector-pointer array: numBytes, numSectors, isDirectory (padded to
// a full word), singleIndirect, doubleIndirect.
const headerFixedBytes = 20

// FileHeader is the on-disk inode: direct plus single- and double-indirect
// sector pointers, sized to exactly one sector (§3, §6). numDirect and
// numDataPtr are derived from the sector size a FileSystem is configured
// with rather than compiled in, since KernelConfig makes sector size a
// runtime knob.
type FileHeader struct {
	sectorSize int
	numDirect  int
	numDataPtr int

	numBytes    int
	numSectors  int
	isDirectory bool
	direct      []int
	single      int
	double      int

	log *slog.Logger
}

// NewFileHeader builds an empty header sized for sectorSize-byte sectors.
func NewFileHeader(sectorSize int, log *slog.Logger) *FileHeader {
	numDirect := (sectorSize - headerFixedBytes) / 4
	return &FileHeader{
		sectorSize: sectorSize,
		numDirect:  numDirect,
		numDataPtr: sectorSize / 4,
		direct:     make([]int, numDirect),
		single:     -1,
		double:     -1,
		log:        log,
	}
}

func (h *FileHeader) NumBytes() int      { return h.numBytes }
func (h *FileHeader) NumSectors() int    { return h.numSectors }
func (h *FileHeader) IsDirectory() bool  { return h.isDirectory }
func (h *FileHeader) SetDirectory(v bool) { h.isDirectory = v }

// MaxFileSize is the largest file this sector geometry can address:
// (numDirect + numDataPtr + numDataPtr^2) sectors.
func (h *FileHeader) MaxFileSize() int {
	return (h.numDirect + h.numDataPtr + h.numDataPtr*h.numDataPtr) * h.sectorSize
}

// indirectSectorsFor computes exactly how many indirect sectors a file of
// numSectors data sectors needs: 0 while it fits in the direct array, 1 once
// it needs only a single-indirect block, and 1 (single) + 1 (double) plus
// one more double-indirect leaf for every numDataPtr data sectors beyond
// that, per §4.11.
func (h *FileHeader) indirectSectorsFor(numSectors int) int {
	if numSectors <= h.numDirect {
		return 0
	}
	beyondDirect := numSectors - h.numDirect
	if beyondDirect <= h.numDataPtr {
		return 1
	}
	beyondSingle := beyondDirect - h.numDataPtr
	leaves := (beyondSingle + h.numDataPtr - 1) / h.numDataPtr
	return 1 + 1 + leaves
}

// Allocate reserves numSectors data sectors plus whatever indirect sectors
// they require from bitmap, writing any indirect tables to disk. It fails
// without mutating the bitmap if there is insufficient free space.
func (h *FileHeader) Allocate(bitmap *Bitmap, disk *SynchDisk, sizeBytes int, isDir bool) error {
	numSectors := (sizeBytes + h.sectorSize - 1) / h.sectorSize
	if sizeBytes == 0 {
		numSectors = 0
	}
	indirect := h.indirectSectorsFor(numSectors)
	if bitmap.NumFree() < numSectors+indirect {
		return fmt.Errorf("fs: allocate %d bytes: insufficient free sectors", sizeBytes)
	}

	var reserved []int
	rollback := func() {
		for _, s := range reserved {
			bitmap.Clear(s)
		}
	}
	reserve := func() (int, error) {
		s, ok := bitmap.Find()
		if !ok {
			rollback()
			return 0, fmt.Errorf("fs: allocate: bitmap exhausted mid-allocation")
		}
		reserved = append(reserved, s)
		return s, nil
	}

	direct := make([]int, h.numDirect)
	for i := range direct {
		direct[i] = -1
	}
	single, double := -1, -1
	var singleTable, doubleTable []int

	remaining := numSectors
	for i := 0; i < h.numDirect && remaining > 0; i++ {
		s, err := reserve()
		if err != nil {
			return err
		}
		direct[i] = s
		remaining--
	}
	if remaining > 0 {
		s, err := reserve()
		if err != nil {
			return err
		}
		single = s
		singleTable = make([]int, h.numDataPtr)
		for i := range singleTable {
			singleTable[i] = -1
		}
		for i := 0; i < h.numDataPtr && remaining > 0; i++ {
			ds, err := reserve()
			if err != nil {
				return err
			}
			singleTable[i] = ds
			remaining--
		}
		if err := writeIndirect(disk, single, singleTable); err != nil {
			rollback()
			return err
		}
	}
	if remaining > 0 {
		s, err := reserve()
		if err != nil {
			return err
		}
		double = s
		doubleTable = make([]int, h.numDataPtr)
		for i := range doubleTable {
			doubleTable[i] = -1
		}
		for leaf := 0; leaf < h.numDataPtr && remaining > 0; leaf++ {
			ls, err := reserve()
			if err != nil {
				return err
			}
			doubleTable[leaf] = ls
			leafTable := make([]int, h.numDataPtr)
			for i := range leafTable {
				leafTable[i] = -1
			}
			for i := 0; i < h.numDataPtr && remaining > 0; i++ {
				ds, err := reserve()
				if err != nil {
					return err
				}
				leafTable[i] = ds
				remaining--
			}
			if err := writeIndirect(disk, ls, leafTable); err != nil {
				rollback()
				return err
			}
		}
		if err := writeIndirect(disk, double, doubleTable); err != nil {
			rollback()
			return err
		}
	}

	h.numBytes = sizeBytes
	h.numSectors = numSectors
	h.isDirectory = isDir
	h.direct = direct
	h.single = single
	h.double = double
	return nil
}

// Deallocate frees every sector this header owns, including indirect
// tables, back to bitmap.
func (h *FileHeader) Deallocate(bitmap *Bitmap, disk *SynchDisk) {
	for _, s := range h.direct {
		if s >= 0 {
			bitmap.Clear(s)
		}
	}
	if h.single >= 0 {
		table, err := readIndirect(disk, h.single, h.numDataPtr)
		if err == nil {
			for _, s := range table {
				if s >= 0 {
					bitmap.Clear(s)
				}
			}
		}
		bitmap.Clear(h.single)
	}
	if h.double >= 0 {
		leaves, err := readIndirect(disk, h.double, h.numDataPtr)
		if err == nil {
			for _, leaf := range leaves {
				if leaf < 0 {
					continue
				}
				table, err := readIndirect(disk, leaf, h.numDataPtr)
				if err == nil {
					for _, s := range table {
						if s >= 0 {
							bitmap.Clear(s)
						}
					}
				}
				bitmap.Clear(leaf)
			}
		}
		bitmap.Clear(h.double)
	}
}

// ByteToSector translates a byte offset within the file to the sector that
// holds it, following the direct / single- / double-indirect path.
func (h *FileHeader) ByteToSector(disk *SynchDisk, offset int) (int, error) {
	idx := offset / h.sectorSize
	if idx < h.numDirect {
		if h.direct[idx] < 0 {
			return 0, fmt.Errorf("fs: ByteToSector: offset %d not allocated", offset)
		}
		return h.direct[idx], nil
	}
	idx -= h.numDirect
	if idx < h.numDataPtr {
		table, err := readIndirect(disk, h.single, h.numDataPtr)
		if err != nil {
			return 0, err
		}
		if table[idx] < 0 {
			return 0, fmt.Errorf("fs: ByteToSector: offset %d not allocated", offset)
		}
		return table[idx], nil
	}
	idx -= h.numDataPtr
	leaf := idx / h.numDataPtr
	within := idx % h.numDataPtr
	leaves, err := readIndirect(disk, h.double, h.numDataPtr)
	if err != nil {
		return 0, err
	}
	if leaf >= len(leaves) || leaves[leaf] < 0 {
		return 0, fmt.Errorf("fs: ByteToSector: offset %d not allocated", offset)
	}
	table, err := readIndirect(disk, leaves[leaf], h.numDataPtr)
	if err != nil {
		return 0, err
	}
	if table[within] < 0 {
		return 0, fmt.Errorf("fs: ByteToSector: offset %d not allocated", offset)
	}
	return table[within], nil
}

// Extend grows the file to newSize bytes, allocating one sector at a time
// and promoting to single- then double-indirect as the sector count crosses
// each threshold. It is idempotent for newSize <= NumBytes and rolls back
// exactly the sectors it reserved if any allocation along the way fails,
// restoring bitmap to its pre-call state (§4.11, Open Question resolution).
func (h *FileHeader) Extend(bitmap *Bitmap, disk *SynchDisk, newSize int) error {
	if newSize <= h.numBytes {
		return nil
	}
	if newSize > h.MaxFileSize() {
		return fmt.Errorf("fs: Extend: %d exceeds max file size %d", newSize, h.MaxFileSize())
	}
	newNumSectors := (newSize + h.sectorSize - 1) / h.sectorSize
	if newNumSectors == h.numSectors {
		h.numBytes = newSize
		return nil
	}

	// Snapshot the bitmap's membership so a failed grow can be rolled back
	// exactly, rather than needing to track reservations across every
	// branch below as Allocate does for a from-scratch build.
	before := bitmap.Snapshot()

	for s := h.numSectors; s < newNumSectors; s++ {
		sector, ok := bitmap.Find()
		if !ok {
			h.rollbackExtend(bitmap, before)
			return fmt.Errorf("fs: Extend: bitmap exhausted mid-grow")
		}
		if err := h.placeSector(bitmap, disk, s, sector, before); err != nil {
			bitmap.Clear(sector)
			h.rollbackExtend(bitmap, before)
			return err
		}
	}
	h.numSectors = newNumSectors
	h.numBytes = newSize
	return nil
}

func (h *FileHeader) rollbackExtend(bitmap *Bitmap, before map[int]bool) {
	after := bitmap.Snapshot()
	for s := range after {
		if !before[s] {
			bitmap.Clear(s)
		}
	}
}

// placeSector records data sector index s (0-based) as living at physical
// sector, allocating and wiring up whatever indirect tables are newly
// needed to reach it.
func (h *FileHeader) placeSector(bitmap *Bitmap, disk *SynchDisk, s, sector int, before map[int]bool) error {
	if s < h.numDirect {
		h.direct[s] = sector
		return nil
	}
	s -= h.numDirect
	// Newly reserved indirect sectors start out as all-unallocated tables.
	empty := make([]int, h.numDataPtr)
	for i := range empty {
		empty[i] = -1
	}
	if s < h.numDataPtr {
		if h.single < 0 {
			ss, ok := bitmap.Find()
			if !ok {
				return fmt.Errorf("fs: Extend: bitmap exhausted allocating single-indirect")
			}
			h.single = ss
			if err := writeIndirect(disk, ss, empty); err != nil {
				return err
			}
		}
		table, err := h.loadOrInitIndirect(disk, h.single)
		if err != nil {
			return err
		}
		table[s] = sector
		return writeIndirect(disk, h.single, table)
	}
	s -= h.numDataPtr
	leaf := s / h.numDataPtr
	within := s % h.numDataPtr
	if h.double < 0 {
		ds, ok := bitmap.Find()
		if !ok {
			return fmt.Errorf("fs: Extend: bitmap exhausted allocating double-indirect")
		}
		h.double = ds
		if err := writeIndirect(disk, ds, empty); err != nil {
			return err
		}
	}
	leaves, err := h.loadOrInitIndirect(disk, h.double)
	if err != nil {
		return err
	}
	if leaves[leaf] < 0 {
		ls, ok := bitmap.Find()
		if !ok {
			return fmt.Errorf("fs: Extend: bitmap exhausted allocating double-indirect leaf")
		}
		leaves[leaf] = ls
		if err := writeIndirect(disk, ls, empty); err != nil {
			return err
		}
		if err := writeIndirect(disk, h.double, leaves); err != nil {
			return err
		}
	}
	leafTable, err := h.loadOrInitIndirect(disk, leaves[leaf])
	if err != nil {
		return err
	}
	leafTable[within] = sector
	return writeIndirect(disk, leaves[leaf], leafTable)
}

func (h *FileHeader) loadOrInitIndirect(disk *SynchDisk, sector int) ([]int, error) {
	table, err := readIndirect(disk, sector, h.numDataPtr)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// FetchFrom reads this header's fixed-size representation from sector.
func (h *FileHeader) FetchFrom(disk *SynchDisk, sector int) error {
	data, err := disk.ReadSector(sector)
	if err != nil {
		return err
	}
	h.numBytes = int(binary.LittleEndian.Uint32(data[0:4]))
	h.numSectors = int(binary.LittleEndian.Uint32(data[4:8]))
	h.isDirectory = data[8] != 0
	off := headerFixedBytes
	for i := 0; i < h.numDirect; i++ {
		h.direct[i] = int(int32(binary.LittleEndian.Uint32(data[off : off+4])))
		off += 4
	}
	h.single = int(int32(binary.LittleEndian.Uint32(data[12:16])))
	h.double = int(int32(binary.LittleEndian.Uint32(data[16:20])))
	return nil
}

// WriteBack writes this header's fixed-size representation to sector.
func (h *FileHeader) WriteBack(disk *SynchDisk, sector int) error {
	data := make([]byte, h.sectorSize)
	binary.LittleEndian.PutUint32(data[0:4], uint32(h.numBytes))
	binary.LittleEndian.PutUint32(data[4:8], uint32(h.numSectors))
	if h.isDirectory {
		data[8] = 1
	}
	binary.LittleEndian.PutUint32(data[12:16], uint32(int32(h.single)))
	binary.LittleEndian.PutUint32(data[16:20], uint32(int32(h.double)))
	off := headerFixedBytes
	for i := 0; i < h.numDirect; i++ {
		binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(h.direct[i])))
		off += 4
	}
	return disk.WriteSector(sector, data)
}

func readIndirect(disk *SynchDisk, sector, n int) ([]int, error) {
	data, err := disk.ReadSector(sector)
	if err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4])))
	}
	return out, nil
}

func writeIndirect(disk *SynchDisk, sector int, table []int) error {
	data := make([]byte, disk.SectorSize())
	for i, s := range table {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], uint32(int32(s)))
	}
	return disk.WriteSector(sector, data)
}

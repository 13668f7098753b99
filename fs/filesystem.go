package fs

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/thread"
)

const (
	freeMapSector      = 0
	rootSector         = 1
	defaultDirEntries  = 64
)

// FileSystem resolves paths, and implements create/open/remove,
// mkdir/rmdir/chdir/list, and a consistency check (§4.14). Sector 0 holds
// the free-sector bitmap file's inode, sector 1 the root directory's.
type FileSystem struct {
	disk       *SynchDisk
	sectorSize int
	numSectors int

	bitmap       *Bitmap
	bitmapHeader *FileHeader
	rootHeader   *FileHeader

	table *FileTable

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
}

// NewFileSystem mounts an existing disk image, or formats a fresh one if
// format is true (first boot).
func NewFileSystem(disk *SynchDisk, numSectors int, format bool, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) (*FileSystem, error) {
	if log == nil {
		log = slog.Default()
	}
	fsys := &FileSystem{
		disk:       disk,
		sectorSize: disk.SectorSize(),
		numSectors: numSectors,
		sched:      sched,
		interrupts: interrupts,
		log:        log,
		debug:      debug,
	}
	fsys.table = NewFileTable(disk, fsys.sectorSize, sched, interrupts, log, debug)
	fsys.table.SetEvictHandler(fsys.freeSharedFile)
	fsys.bitmap = NewBitmap(numSectors, log)

	if format {
		if err := fsys.format(); err != nil {
			return nil, err
		}
	} else {
		if err := fsys.mount(); err != nil {
			return nil, err
		}
	}
	return fsys, nil
}

func (fsys *FileSystem) format() error {
	fsys.bitmap.Mark(freeMapSector)
	fsys.bitmap.Mark(rootSector)

	bitmapHeader := NewFileHeader(fsys.sectorSize, fsys.log)
	bitmapFileSize := (fsys.numSectors + 7) / 8
	if err := bitmapHeader.Allocate(fsys.bitmap, fsys.disk, bitmapFileSize, false); err != nil {
		return fmt.Errorf("fs: format: allocating free-map file: %w", err)
	}

	rootHeader := NewFileHeader(fsys.sectorSize, fsys.log)
	rootDir := NewDirectory(defaultDirEntries)
	if err := rootHeader.Allocate(fsys.bitmap, fsys.disk, len(rootDir.Bytes()), true); err != nil {
		return fmt.Errorf("fs: format: allocating root directory: %w", err)
	}

	if err := fsys.writeFileData(bitmapHeader, fsys.bitmap.Bytes()); err != nil {
		return err
	}
	if err := fsys.writeFileData(rootHeader, rootDir.Bytes()); err != nil {
		return err
	}
	if err := bitmapHeader.WriteBack(fsys.disk, freeMapSector); err != nil {
		return err
	}
	if err := rootHeader.WriteBack(fsys.disk, rootSector); err != nil {
		return err
	}
	fsys.bitmapHeader = bitmapHeader
	fsys.rootHeader = rootHeader
	return fsys.disk.FlushCache()
}

func (fsys *FileSystem) mount() error {
	bitmapHeader := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := bitmapHeader.FetchFrom(fsys.disk, freeMapSector); err != nil {
		return fmt.Errorf("fs: mount: reading free-map header: %w", err)
	}
	data, err := fsys.readFileData(bitmapHeader)
	if err != nil {
		return err
	}
	fsys.bitmap.SetBytes(data)

	rootHeader := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := rootHeader.FetchFrom(fsys.disk, rootSector); err != nil {
		return fmt.Errorf("fs: mount: reading root header: %w", err)
	}
	fsys.bitmapHeader = bitmapHeader
	fsys.rootHeader = rootHeader
	return nil
}

// Root returns the sector naming the root directory, the default cwd for
// any thread that hasn't Chdir'd.
func (fsys *FileSystem) Root() int { return rootSector }

func (fsys *FileSystem) readFileData(header *FileHeader) ([]byte, error) {
	out := make([]byte, header.NumBytes())
	for off := 0; off < len(out); off += fsys.sectorSize {
		sector, err := header.ByteToSector(fsys.disk, off)
		if err != nil {
			return nil, err
		}
		data, err := fsys.disk.ReadSector(sector)
		if err != nil {
			return nil, err
		}
		copy(out[off:], data)
	}
	return out, nil
}

func (fsys *FileSystem) writeFileData(header *FileHeader, data []byte) error {
	for off := 0; off < len(data); off += fsys.sectorSize {
		sector, err := header.ByteToSector(fsys.disk, off)
		if err != nil {
			return err
		}
		end := off + fsys.sectorSize
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, fsys.sectorSize)
		copy(buf, data[off:end])
		if err := fsys.disk.WriteSector(sector, buf); err != nil {
			return err
		}
	}
	return nil
}

func (fsys *FileSystem) readDirectory(sf *SharedFile) (*Directory, error) {
	data, err := fsys.readFileData(sf.Header)
	if err != nil {
		return nil, err
	}
	dir := NewDirectory(0)
	if err := dir.SetBytes(data); err != nil {
		return nil, err
	}
	return dir, nil
}

func (fsys *FileSystem) writeDirectory(sf *SharedFile, dir *Directory) error {
	data := dir.Bytes()
	if err := sf.Header.Extend(fsys.bitmap, fsys.disk, len(data)); err != nil {
		return err
	}
	if err := fsys.writeFileData(sf.Header, data); err != nil {
		return err
	}
	if err := sf.Header.WriteBack(fsys.disk, sf.Sector); err != nil {
		return err
	}
	return fsys.persistBitmap()
}

func (fsys *FileSystem) persistBitmap() error {
	if err := fsys.writeFileData(fsys.bitmapHeader, fsys.bitmap.Bytes()); err != nil {
		return err
	}
	return fsys.bitmapHeader.WriteBack(fsys.disk, freeMapSector)
}

func (fsys *FileSystem) freeSharedFile(sf *SharedFile) {
	sf.Header.Deallocate(fsys.bitmap, fsys.disk)
	fsys.bitmap.Clear(sf.Sector)
	_ = fsys.persistBitmap()
}

func (fsys *FileSystem) freeInode(sector int) error {
	header := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := header.FetchFrom(fsys.disk, sector); err != nil {
		return err
	}
	header.Deallocate(fsys.bitmap, fsys.disk)
	fsys.bitmap.Clear(sector)
	return fsys.persistBitmap()
}

// splitPath breaks path into its non-empty components, reporting whether
// it was absolute and whether it ended in a trailing slash (naming the
// directory itself rather than an entry inside it).
func splitPath(path string) (comps []string, abs, trailingSlash bool) {
	abs = strings.HasPrefix(path, "/")
	trailingSlash = strings.HasSuffix(path, "/") && path != "/"
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, abs, false
	}
	return strings.Split(trimmed, "/"), abs, trailingSlash
}

// resolve walks path component by component, hand-over-hand locking each
// directory's SharedFile so no traversal ever holds more than two
// directory locks at once, and returns the terminal component's parent
// directory sector plus its name ("" if path names a directory itself).
func (fsys *FileSystem) resolve(path string, cwd int) (int, string, error) {
	comps, abs, trailingSlash := splitPath(path)
	start := rootSector
	if !abs && cwd > 0 {
		start = cwd
	}
	if len(comps) == 0 {
		return start, "", nil
	}

	curSector := start
	curSF, err := fsys.table.Open(curSector)
	if err != nil {
		return 0, "", err
	}
	curSF.Lock.Acquire(false)

	for i, c := range comps {
		last := i == len(comps)-1
		if last && !trailingSlash {
			curSF.Lock.Release()
			fsys.table.Close(curSector)
			return curSector, c, nil
		}

		dir, err := fsys.readDirectory(curSF)
		if err != nil {
			curSF.Lock.Release()
			fsys.table.Close(curSector)
			return 0, "", err
		}
		nextSector, ok := dir.Find(c)
		if !ok {
			curSF.Lock.Release()
			fsys.table.Close(curSector)
			return 0, "", fmt.Errorf("fs: resolve: %s: no such file or directory", c)
		}
		nextSF, err := fsys.table.Open(nextSector)
		if err != nil {
			curSF.Lock.Release()
			fsys.table.Close(curSector)
			return 0, "", err
		}
		nextSF.Lock.Acquire(false)
		if !nextSF.Header.IsDirectory() {
			nextSF.Lock.Release()
			fsys.table.Close(nextSector)
			curSF.Lock.Release()
			fsys.table.Close(curSector)
			return 0, "", fmt.Errorf("fs: resolve: %s: not a directory", c)
		}
		curSF.Lock.Release()
		fsys.table.Close(curSector)
		curSF, curSector = nextSF, nextSector
	}

	curSF.Lock.Release()
	fsys.table.Close(curSector)
	return curSector, "", nil
}

// Create makes a new size-byte file at path, in the directory the
// penultimate path component names (the thread's cwd sector, or the root
// if cwd is 0 and the path is relative).
func (fsys *FileSystem) Create(path string, size int, cwd int) error {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("fs: Create: %s: is a directory", path)
	}
	dirSF, err := fsys.table.Open(dirSector)
	if err != nil {
		return err
	}
	defer fsys.table.Close(dirSector)
	dirSF.Lock.Acquire(false)
	defer dirSF.Lock.Release()

	dir, err := fsys.readDirectory(dirSF)
	if err != nil {
		return err
	}
	if _, ok := dir.Find(name); ok {
		return fmt.Errorf("fs: Create: %s: already exists", name)
	}

	sector, ok := fsys.bitmap.Find()
	if !ok {
		return fmt.Errorf("fs: Create: no free sectors for inode")
	}
	header := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := header.Allocate(fsys.bitmap, fsys.disk, size, false); err != nil {
		fsys.bitmap.Clear(sector)
		return err
	}
	if err := header.WriteBack(fsys.disk, sector); err != nil {
		fsys.bitmap.Clear(sector)
		return err
	}
	if !dir.Add(name, sector) {
		fsys.bitmap.Clear(sector)
		return fmt.Errorf("fs: Create: directory full")
	}
	if err := fsys.writeDirectory(dirSF, dir); err != nil {
		return err
	}
	return fsys.persistBitmap()
}

// Open returns a handle on the file at path. Callers must eventually Close it.
func (fsys *FileSystem) Open(path string, cwd int) (*SharedFile, error) {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("fs: Open: %s: is a directory", path)
	}
	dirSF, err := fsys.table.Open(dirSector)
	if err != nil {
		return nil, err
	}
	defer fsys.table.Close(dirSector)
	dirSF.Lock.Acquire(false)
	dir, err := fsys.readDirectory(dirSF)
	dirSF.Lock.Release()
	if err != nil {
		return nil, err
	}
	sector, ok := dir.Find(name)
	if !ok {
		return nil, fmt.Errorf("fs: Open: %s: not found", name)
	}
	sf, err := fsys.table.Open(sector)
	if err != nil {
		return nil, err
	}
	if sf.Header.IsDirectory() {
		fsys.table.Close(sector)
		return nil, fmt.Errorf("fs: Open: %s: is a directory", path)
	}
	return sf, nil
}

// ReadAt reads up to size bytes starting at offset from sf, under sf's
// own file lock.
func (fsys *FileSystem) ReadAt(sf *SharedFile, offset, size int) ([]byte, error) {
	sf.Lock.Acquire(false)
	defer sf.Lock.Release()

	if offset >= sf.Header.NumBytes() {
		return nil, nil
	}
	end := offset + size
	if end > sf.Header.NumBytes() {
		end = sf.Header.NumBytes()
	}
	out := make([]byte, 0, end-offset)
	for o := offset - offset%fsys.sectorSize; o < end; o += fsys.sectorSize {
		sector, err := sf.Header.ByteToSector(fsys.disk, o)
		if err != nil {
			return nil, err
		}
		data, err := fsys.disk.ReadSector(sector)
		if err != nil {
			return nil, err
		}
		lo := 0
		if o < offset {
			lo = offset - o
		}
		hi := fsys.sectorSize
		if o+fsys.sectorSize > end {
			hi = end - o
		}
		out = append(out, data[lo:hi]...)
	}
	return out, nil
}

// WriteAt writes data starting at offset into sf, extending the file
// (and persisting the bitmap) first if the write grows it, under sf's own
// file lock.
func (fsys *FileSystem) WriteAt(sf *SharedFile, offset int, data []byte) error {
	sf.Lock.Acquire(false)
	defer sf.Lock.Release()

	need := offset + len(data)
	if need > sf.Header.NumBytes() {
		if err := sf.Header.Extend(fsys.bitmap, fsys.disk, need); err != nil {
			return err
		}
		if err := fsys.persistBitmap(); err != nil {
			return err
		}
	}

	written := 0
	for written < len(data) {
		o := offset + written
		sector, err := sf.Header.ByteToSector(fsys.disk, o)
		if err != nil {
			return err
		}
		base := (o / fsys.sectorSize) * fsys.sectorSize
		buf, err := fsys.disk.ReadSector(sector)
		if err != nil {
			return err
		}
		lo := o - base
		n := copy(buf[lo:], data[written:])
		if err := fsys.disk.WriteSector(sector, buf); err != nil {
			return err
		}
		written += n
	}
	return sf.Header.WriteBack(fsys.disk, sf.Sector)
}

// Close releases a handle obtained from Open, freeing its blocks if it was
// the last holder of a file already marked for removal.
func (fsys *FileSystem) Close(sf *SharedFile) error {
	return fsys.table.Close(sf.Sector)
}

// Remove deletes path's directory entry. If the file is presently open,
// deletion is deferred to its last Close (§4.14, §4.15).
func (fsys *FileSystem) Remove(path string, cwd int) error {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("fs: Remove: %s: is a directory, use Rmdir", path)
	}
	dirSF, err := fsys.table.Open(dirSector)
	if err != nil {
		return err
	}
	defer fsys.table.Close(dirSector)
	dirSF.Lock.Acquire(false)
	defer dirSF.Lock.Release()

	dir, err := fsys.readDirectory(dirSF)
	if err != nil {
		return err
	}
	sector, ok := dir.Find(name)
	if !ok {
		return fmt.Errorf("fs: Remove: %s: not found", name)
	}
	if fsys.table.Used(sector) {
		fsys.table.MarkForRemove(sector)
	} else if err := fsys.freeInode(sector); err != nil {
		return err
	}
	dir.Remove(name)
	return fsys.writeDirectory(dirSF, dir)
}

// Mkdir creates an empty directory at path.
func (fsys *FileSystem) Mkdir(path string, cwd int) error {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("fs: Mkdir: %s: already a directory", path)
	}
	dirSF, err := fsys.table.Open(dirSector)
	if err != nil {
		return err
	}
	defer fsys.table.Close(dirSector)
	dirSF.Lock.Acquire(false)
	defer dirSF.Lock.Release()

	dir, err := fsys.readDirectory(dirSF)
	if err != nil {
		return err
	}
	if _, ok := dir.Find(name); ok {
		return fmt.Errorf("fs: Mkdir: %s: already exists", name)
	}

	sector, ok := fsys.bitmap.Find()
	if !ok {
		return fmt.Errorf("fs: Mkdir: no free sectors")
	}
	newDir := NewDirectory(defaultDirEntries)
	header := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := header.Allocate(fsys.bitmap, fsys.disk, len(newDir.Bytes()), true); err != nil {
		fsys.bitmap.Clear(sector)
		return err
	}
	if err := fsys.writeFileData(header, newDir.Bytes()); err != nil {
		return err
	}
	if err := header.WriteBack(fsys.disk, sector); err != nil {
		return err
	}
	if !dir.Add(name, sector) {
		fsys.bitmap.Clear(sector)
		return fmt.Errorf("fs: Mkdir: directory full")
	}
	if err := fsys.writeDirectory(dirSF, dir); err != nil {
		return err
	}
	return fsys.persistBitmap()
}

// Rmdir removes an empty, not-currently-open directory.
func (fsys *FileSystem) Rmdir(path string, cwd int) error {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("fs: Rmdir: %s: refuses to remove a directory via trailing slash", path)
	}
	parentSF, err := fsys.table.Open(dirSector)
	if err != nil {
		return err
	}
	defer fsys.table.Close(dirSector)
	parentSF.Lock.Acquire(false)
	defer parentSF.Lock.Release()

	parentDir, err := fsys.readDirectory(parentSF)
	if err != nil {
		return err
	}
	sector, ok := parentDir.Find(name)
	if !ok {
		return fmt.Errorf("fs: Rmdir: %s: not found", name)
	}
	if fsys.table.Used(sector) {
		return fmt.Errorf("fs: Rmdir: %s: currently open", name)
	}

	targetSF, err := fsys.table.Open(sector)
	if err != nil {
		return err
	}
	defer fsys.table.Close(sector)
	if !targetSF.Header.IsDirectory() {
		return fmt.Errorf("fs: Rmdir: %s: not a directory", name)
	}
	targetDir, err := fsys.readDirectory(targetSF)
	if err != nil {
		return err
	}
	if !targetDir.Empty() {
		return fmt.Errorf("fs: Rmdir: %s: not empty", name)
	}

	targetSF.Header.Deallocate(fsys.bitmap, fsys.disk)
	fsys.bitmap.Clear(sector)
	parentDir.Remove(name)
	return fsys.writeDirectory(parentSF, parentDir)
}

// Chdir resolves path to a directory sector usable as a future cwd.
func (fsys *FileSystem) Chdir(path string, cwd int) (int, error) {
	dirSector, name, err := fsys.resolve(path, cwd)
	if err != nil {
		return 0, err
	}
	target := dirSector
	if name != "" {
		dirSF, err := fsys.table.Open(dirSector)
		if err != nil {
			return 0, err
		}
		dirSF.Lock.Acquire(false)
		dir, err := fsys.readDirectory(dirSF)
		dirSF.Lock.Release()
		fsys.table.Close(dirSector)
		if err != nil {
			return 0, err
		}
		s, ok := dir.Find(name)
		if !ok {
			return 0, fmt.Errorf("fs: Chdir: %s: not found", name)
		}
		target = s
	}
	sf, err := fsys.table.Open(target)
	if err != nil {
		return 0, err
	}
	defer fsys.table.Close(target)
	if !sf.Header.IsDirectory() {
		return 0, fmt.Errorf("fs: Chdir: %s: not a directory", path)
	}
	return target, nil
}

// List returns the names in the directory at path.
func (fsys *FileSystem) List(path string, cwd int) ([]string, error) {
	sector, err := fsys.Chdir(path, cwd)
	if err != nil {
		return nil, err
	}
	sf, err := fsys.table.Open(sector)
	if err != nil {
		return nil, err
	}
	defer fsys.table.Close(sector)
	sf.Lock.Acquire(false)
	defer sf.Lock.Release()
	dir, err := fsys.readDirectory(sf)
	if err != nil {
		return nil, err
	}
	return dir.List(), nil
}

// Check rebuilds a shadow bitmap by walking every reachable header and
// directory and reports whether it marks exactly the sectors the persisted
// bitmap marks. Marking a sector twice is not an error here, so a sector
// referenced from two places is not detected.
func (fsys *FileSystem) Check() (bool, error) {
	shadow := NewBitmap(fsys.numSectors, fsys.log)
	shadow.Mark(freeMapSector)
	shadow.Mark(rootSector)
	fsys.markHeaderSectors(fsys.bitmapHeader, shadow)
	if err := fsys.walk(rootSector, shadow); err != nil {
		return false, err
	}

	want := fsys.bitmap.Snapshot()
	got := shadow.Snapshot()
	if len(want) != len(got) {
		return false, nil
	}
	for s := range want {
		if !got[s] {
			return false, nil
		}
	}
	return true, nil
}

func (fsys *FileSystem) markHeaderSectors(h *FileHeader, shadow *Bitmap) {
	for _, s := range h.direct {
		if s >= 0 {
			shadow.Mark(s)
		}
	}
	if h.single >= 0 {
		shadow.Mark(h.single)
		if table, err := readIndirect(fsys.disk, h.single, h.numDataPtr); err == nil {
			for _, s := range table {
				if s >= 0 {
					shadow.Mark(s)
				}
			}
		}
	}
	if h.double >= 0 {
		shadow.Mark(h.double)
		if leaves, err := readIndirect(fsys.disk, h.double, h.numDataPtr); err == nil {
			for _, leaf := range leaves {
				if leaf < 0 {
					continue
				}
				shadow.Mark(leaf)
				if table, err := readIndirect(fsys.disk, leaf, h.numDataPtr); err == nil {
					for _, s := range table {
						if s >= 0 {
							shadow.Mark(s)
						}
					}
				}
			}
		}
	}
}

func (fsys *FileSystem) walk(dirSector int, shadow *Bitmap) error {
	header := NewFileHeader(fsys.sectorSize, fsys.log)
	if err := header.FetchFrom(fsys.disk, dirSector); err != nil {
		return err
	}
	fsys.markHeaderSectors(header, shadow)
	data, err := fsys.readFileData(header)
	if err != nil {
		return err
	}
	dir := NewDirectory(0)
	if err := dir.SetBytes(data); err != nil {
		return err
	}
	for _, name := range dir.List() {
		sector, _ := dir.Find(name)
		shadow.Mark(sector)
		entryHeader := NewFileHeader(fsys.sectorSize, fsys.log)
		if err := entryHeader.FetchFrom(fsys.disk, sector); err != nil {
			return err
		}
		fsys.markHeaderSectors(entryHeader, shadow)
		if entryHeader.IsDirectory() {
			if err := fsys.walk(sector, shadow); err != nil {
				return err
			}
		}
	}
	return nil
}

package fs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/synch"
	"github.com/losgopheros/nachos-go/thread"
)

// SharedFile is the single open-file object every holder of a handle on a
// given inode shares (§3): its in-memory header, a per-file lock, a
// reference count, and a deferred-deletion flag.
type SharedFile struct {
	Sector int
	Header *FileHeader
	Lock   *synch.Lock

	users         int
	removeOnClose bool
}

// FileTable maps an inode sector to its single live SharedFile, so every
// opener of the same file shares one header and one lock (§4.15). Every
// exported method acquires the table lock -- no exceptions -- resolving
// the unguarded-membership-read/write issue flagged in the original.
type FileTable struct {
	mu   sync.Mutex
	open map[int]*SharedFile

	disk       *SynchDisk
	sectorSize int

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry

	// onEvict runs once a SharedFile's user count reaches zero while
	// marked for removal, after the entry is already dropped from the
	// table; the file system wires this to free the inode and its data
	// blocks, breaking the FileTable -> FileSystem -> FileTable cycle a
	// direct field reference would otherwise create.
	onEvict func(*SharedFile)
}

// NewFileTable builds an empty table reading headers through disk.
func NewFileTable(disk *SynchDisk, sectorSize int, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *FileTable {
	if log == nil {
		log = slog.Default()
	}
	return &FileTable{
		open:       make(map[int]*SharedFile),
		disk:       disk,
		sectorSize: sectorSize,
		sched:      sched,
		interrupts: interrupts,
		log:        log,
		debug:      debug,
	}
}

// SetEvictHandler installs the callback run when a removal-marked file's
// last close drops its reference count to zero.
func (ft *FileTable) SetEvictHandler(f func(*SharedFile)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onEvict = f
}

// Open returns the SharedFile for sector, reading its header from disk and
// inserting a new entry if this is the first opener.
func (ft *FileTable) Open(sector int) (*SharedFile, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if sf, ok := ft.open[sector]; ok {
		sf.users++
		return sf, nil
	}
	header := NewFileHeader(ft.sectorSize, ft.log)
	if err := header.FetchFrom(ft.disk, sector); err != nil {
		return nil, fmt.Errorf("fs: FileTable.Open(%d): %w", sector, err)
	}
	sf := &SharedFile{
		Sector: sector,
		Header: header,
		Lock:   synch.NewLock(fmt.Sprintf("file[%d]", sector), ft.sched, ft.interrupts, ft.log, ft.debug),
		users:  1,
	}
	ft.open[sector] = sf
	if ft.debug.Enabled(debugflag.FileSystem) {
		ft.log.Debug("opened", "sector", sector)
	}
	return sf, nil
}

// Close drops sector's reference count; at zero, the entry is removed and,
// if marked for removal, onEvict is invoked to free its blocks.
func (ft *FileTable) Close(sector int) error {
	ft.mu.Lock()
	sf, ok := ft.open[sector]
	if !ok {
		ft.mu.Unlock()
		return fmt.Errorf("fs: FileTable.Close(%d): not open", sector)
	}
	sf.users--
	var evict bool
	if sf.users <= 0 {
		delete(ft.open, sector)
		evict = sf.removeOnClose
	}
	handler := ft.onEvict
	ft.mu.Unlock()
	if evict && handler != nil {
		handler(sf)
	}
	return nil
}

// MarkForRemove flags sector for deletion once its last holder closes it.
// Reports false if the file is not currently open, in which case the
// caller must free it directly instead.
func (ft *FileTable) MarkForRemove(sector int) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	sf, ok := ft.open[sector]
	if !ok {
		return false
	}
	sf.removeOnClose = true
	return true
}

// Used reports whether sector currently has an open SharedFile.
func (ft *FileTable) Used(sector int) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	_, ok := ft.open[sector]
	return ok
}

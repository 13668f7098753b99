package vm

import (
	"fmt"
	"log/slog"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/internal/debugflag"
)

// Swap is a process's backing store for pages evicted from main memory: a
// file created through the file system and named by the owning process's
// id, grounded in the original's vmem/swap.cc (which creates SWAP.<tid>
// through fileSystem->Create) rather than the teacher's raw os.File-backed
// swap (cmd/memoria/swap.go) -- the kernel already has its own in-scope
// file system, so swap rides on it instead of the host filesystem.
type Swap struct {
	fsys *fs.FileSystem
	sf   *fs.SharedFile
	name string

	pageSize int
	log      *slog.Logger
	debug    *debugflag.Registry
}

// NewSwap creates SWAP.<ownerID> through fsys, sized to hold every page of
// the address space it backs, and opens it.
func NewSwap(fsys *fs.FileSystem, ownerID int64, pageSize, numPages int, log *slog.Logger, debug *debugflag.Registry) (*Swap, error) {
	if log == nil {
		log = slog.Default()
	}
	name := fmt.Sprintf("/SWAP.%d", ownerID)
	if err := fsys.Create(name, numPages*pageSize, 0); err != nil {
		return nil, fmt.Errorf("vm: Swap: creating %s: %w", name, err)
	}
	sf, err := fsys.Open(name, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: Swap: opening %s: %w", name, err)
	}
	return &Swap{fsys: fsys, sf: sf, name: name, pageSize: pageSize, log: log, debug: debug}, nil
}

// WriteSwap writes the pageSize bytes currently in physical frame p of mem
// out to this swap file at offset v*pageSize.
func (sw *Swap) WriteSwap(v int, mem *MainMemory, p int) error {
	data := mem.ReadFrame(p)
	if err := sw.fsys.WriteAt(sw.sf, v*sw.pageSize, data); err != nil {
		return fmt.Errorf("vm: Swap.WriteSwap(%d): %w", v, err)
	}
	if sw.debug.Enabled(debugflag.VirtualMem) {
		sw.log.Debug("wrote page to swap", "vpn", v, "frame", p, "file", sw.name)
	}
	return nil
}

// PullSwap reads virtual page v's bytes back from this swap file into
// physical frame p of mem.
func (sw *Swap) PullSwap(v int, mem *MainMemory, p int) error {
	data, err := sw.fsys.ReadAt(sw.sf, v*sw.pageSize, sw.pageSize)
	if err != nil {
		return fmt.Errorf("vm: Swap.PullSwap(%d): %w", v, err)
	}
	mem.WriteFrame(p, data)
	if sw.debug.Enabled(debugflag.VirtualMem) {
		sw.log.Debug("pulled page from swap", "vpn", v, "frame", p, "file", sw.name)
	}
	return nil
}

// Close closes and removes this process's swap file.
func (sw *Swap) Close() error {
	if err := sw.fsys.Close(sw.sf); err != nil {
		return fmt.Errorf("vm: Swap.Close: %w", err)
	}
	if err := sw.fsys.Remove(sw.name, 0); err != nil {
		return fmt.Errorf("vm: Swap.Close: removing %s: %w", sw.name, err)
	}
	return nil
}

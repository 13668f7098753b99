package syscall

import (
	"sync"

	"github.com/losgopheros/nachos-go/fs"
	"github.com/losgopheros/nachos-go/vm"
)

// consoleIn and consoleOut are the reserved file descriptors that bypass
// the file system entirely (§6, ABI).
const (
	consoleIn  = 0
	consoleOut = 1
	firstFD    = 2
)

// Process is the per-thread state the syscall layer hangs off
// thread.Thread.UserContext: its address space, current directory, and
// open-file-descriptor table. The thread package has no business knowing
// this shape, which is why Thread.UserContext is typed any (§4.16).
type Process struct {
	mu      sync.Mutex
	space   *vm.AddressSpace
	cwd     int
	files   map[int]*fs.SharedFile
	offsets map[int]int
	nextF   int
}

// NewProcess builds a process rooted at cwd (the root directory's sector)
// with no files open yet.
func NewProcess(space *vm.AddressSpace, cwd int) *Process {
	return &Process{
		space:   space,
		cwd:     cwd,
		files:   make(map[int]*fs.SharedFile),
		offsets: make(map[int]int),
		nextF:   firstFD,
	}
}

func (p *Process) addFile(sf *fs.SharedFile) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextF
	p.nextF++
	p.files[fd] = sf
	p.offsets[fd] = 0
	return fd
}

func (p *Process) fileFor(fd int) (*fs.SharedFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sf, ok := p.files[fd]
	return sf, ok
}

func (p *Process) dropFile(fd int) (*fs.SharedFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sf, ok := p.files[fd]
	if ok {
		delete(p.files, fd)
		delete(p.offsets, fd)
	}
	return sf, ok
}

// readOffset reports fd's current sequential read/write cursor.
func (p *Process) readOffset(fd int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offsets[fd]
}

// advanceOffset moves fd's cursor forward by n bytes after a completed
// Read or Write.
func (p *Process) advanceOffset(fd int, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offsets[fd] += n
}

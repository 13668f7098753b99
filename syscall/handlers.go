package syscall

import (
	"fmt"

	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/vm"
)

func (d *Dispatcher) doExit(status int) {
	t := d.sched.Current()
	if proc, ok := t.UserContext.(*Process); ok && proc.space != nil {
		if err := proc.space.Close(); err != nil {
			d.log.Error("exit: closing address space", "thread", t.Name, "error", err)
		}
	}
	t.Exit(status)
}

// doExec loads the executable at pathAddr, builds it a fresh address space
// sized and swap-backed per vm.NewAddressSpace, and forks a thread to run
// it, returning that thread's id as the new process's pid.
func (d *Dispatcher) doExec(sim machine.Simulator, pathAddr, argvAddr uint32) int64 {
	proc := d.currentProcess()
	path := d.readString(sim, proc, pathAddr, maxPathLen)
	_ = argvAddr // argv marshalling into the child's stack is not modeled; see DESIGN.md
	return d.exec(path, proc.cwd)
}

// ExecPath execs path directly from a host-known string rather than a
// user-mode address, for the kernel's own boot sequence (cmd/nachos) to
// launch the first program without any caller process context -- mirroring
// the original's "-x" host-execfile boot flag.
func (d *Dispatcher) ExecPath(path string) int64 {
	return d.exec(path, d.fsys.Root())
}

func (d *Dispatcher) exec(path string, cwd int) int64 {
	exe, err := d.loader.Load(path)
	if err != nil {
		d.log.Error("exec: loading executable", "path", path, "error", err)
		return -1
	}

	child := d.sched.Fork(fmt.Sprintf("exec:%s", path), func(any) {
		d.runUser(d.sched.Current())
	}, nil)

	space, err := vm.NewAddressSpace(exe, d.coremap, d.fsys, child.ID, d.pageSize, d.tlbSize, d.log, d.debug)
	if err != nil {
		d.log.Error("exec: building address space", "path", path, "error", err)
		return -1
	}
	child.Space = space
	child.UserContext = NewProcess(space, cwd)
	child.Joinable()

	d.pidMu.Lock()
	d.pids[child.ID] = child
	d.pidMu.Unlock()

	return child.ID
}

func (d *Dispatcher) doJoin(pid int64) int {
	d.pidMu.Lock()
	t, ok := d.pids[pid]
	d.pidMu.Unlock()
	if !ok {
		return -1
	}
	status := t.Join()
	d.pidMu.Lock()
	delete(d.pids, pid)
	d.pidMu.Unlock()
	return status
}

func (d *Dispatcher) doCreate(sim machine.Simulator, pathAddr uint32) int {
	proc := d.currentProcess()
	path := d.readString(sim, proc, pathAddr, maxPathLen)
	if err := d.fsys.Create(path, 0, proc.cwd); err != nil {
		d.log.Error("create failed", "path", path, "error", err)
		return -1
	}
	return 0
}

func (d *Dispatcher) doRemove(sim machine.Simulator, pathAddr uint32) int {
	proc := d.currentProcess()
	path := d.readString(sim, proc, pathAddr, maxPathLen)
	if err := d.fsys.Remove(path, proc.cwd); err != nil {
		d.log.Error("remove failed", "path", path, "error", err)
		return -1
	}
	return 0
}

func (d *Dispatcher) doOpen(sim machine.Simulator, pathAddr uint32) int {
	proc := d.currentProcess()
	path := d.readString(sim, proc, pathAddr, maxPathLen)
	sf, err := d.fsys.Open(path, proc.cwd)
	if err != nil {
		d.log.Error("open failed", "path", path, "error", err)
		return -1
	}
	return proc.addFile(sf)
}

func (d *Dispatcher) doClose(fd int) {
	if fd == consoleIn || fd == consoleOut {
		return
	}
	proc := d.currentProcess()
	sf, ok := proc.dropFile(fd)
	if !ok {
		d.log.Error("close: bad descriptor", "fd", fd)
		return
	}
	if err := d.fsys.Close(sf); err != nil {
		d.log.Error("close failed", "fd", fd, "error", err)
	}
}

func (d *Dispatcher) doRead(sim machine.Simulator, bufAddr uint32, size, fd int) int {
	proc := d.currentProcess()
	if fd == consoleIn {
		data := d.console.Read(size)
		d.writeBuffer(sim, proc, bufAddr, data)
		return len(data)
	}
	sf, ok := proc.fileFor(fd)
	if !ok {
		d.log.Error("read: bad descriptor", "fd", fd)
		return -1
	}
	data, err := d.fsys.ReadAt(sf, proc.readOffset(fd), size)
	if err != nil {
		d.log.Error("read failed", "fd", fd, "error", err)
		return -1
	}
	proc.advanceOffset(fd, len(data))
	d.writeBuffer(sim, proc, bufAddr, data)
	return len(data)
}

func (d *Dispatcher) doWrite(sim machine.Simulator, bufAddr uint32, size, fd int) {
	proc := d.currentProcess()
	data := d.readBuffer(sim, proc, bufAddr, size)
	if fd == consoleOut {
		d.console.Write(data)
		return
	}
	sf, ok := proc.fileFor(fd)
	if !ok {
		d.log.Error("write: bad descriptor", "fd", fd)
		return
	}
	if err := d.fsys.WriteAt(sf, proc.readOffset(fd), data); err != nil {
		d.log.Error("write failed", "fd", fd, "error", err)
		return
	}
	proc.advanceOffset(fd, len(data))
}

func (d *Dispatcher) doPs() {
	for _, t := range d.sched.List() {
		d.log.Info("ps", "id", t.ID, "name", t.Name, "status", t.Status(), "priority", t.Priority())
	}
}

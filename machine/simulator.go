package machine

// Register names the simulator's general-purpose and control registers
// that the syscall ABI reads and writes directly.
type Register int

const (
	R2 Register = 2 // syscall id in, return value out
	R4 Register = 4 // arg0
	R5 Register = 5 // arg1
	R6 Register = 6 // arg2
	R7 Register = 7 // arg3

	PCReg     Register = 34
	NextPCReg Register = 35
)

// ExceptionType names the reason a Simulator trapped into the kernel.
type ExceptionType int

const (
	NoException ExceptionType = iota
	SyscallException
	PageFaultException
	ReadOnlyException
	BusErrorException
	AddressErrorException
	OverflowException
	IllegalInstrException
)

// Simulator is the MIPS machine a user program's address space runs on.
// The kernel reads and writes its registers and main memory directly;
// instruction decode and the SWITCH context-switch primitive are the
// simulator's own business and stay out of this interface.
type Simulator interface {
	ReadRegister(r Register) uint32
	WriteRegister(r Register, value uint32)
	ReadMem(addr uint32, size int) (uint32, bool)
	WriteMem(addr uint32, size int, value uint32) bool
	Run()
}

// FakeSimulator is a flat byte-addressable memory plus a register file,
// enough to drive vm/syscall tests without decoding real instructions.
type FakeSimulator struct {
	Mem  []byte
	Regs [40]uint32
}

// NewFakeSimulator allocates memSize bytes of addressable memory.
func NewFakeSimulator(memSize int) *FakeSimulator {
	return &FakeSimulator{Mem: make([]byte, memSize)}
}

func (s *FakeSimulator) ReadRegister(r Register) uint32 { return s.Regs[r] }

func (s *FakeSimulator) WriteRegister(r Register, value uint32) { s.Regs[r] = value }

func (s *FakeSimulator) ReadMem(addr uint32, size int) (uint32, bool) {
	if int(addr)+size > len(s.Mem) || size <= 0 || size > 4 {
		return 0, false
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(s.Mem[int(addr)+i]) << (8 * i)
	}
	return v, true
}

func (s *FakeSimulator) WriteMem(addr uint32, size int, value uint32) bool {
	if int(addr)+size > len(s.Mem) || size <= 0 || size > 4 {
		return false
	}
	for i := 0; i < size; i++ {
		s.Mem[int(addr)+i] = byte(value >> (8 * i))
	}
	return true
}

// Run is a no-op: FakeSimulator never decodes instructions, it only backs
// the ReadMem/WriteMem/register surface the kernel drives directly.
func (s *FakeSimulator) Run() {}

// Executable is the decoded object-format the kernel demand-loads address
// spaces from: separate code, initialized-data, and uninitialized-data
// segments, each with a virtual address and size. A concrete NOFF decoder
// is out of scope; FakeExecutable below is enough to drive vm tests.
type Executable interface {
	CodeAddr() uint32
	CodeSize() uint32
	InitDataAddr() uint32
	InitDataSize() uint32
	UninitDataAddr() uint32
	UninitDataSize() uint32
	// ReadAt reads size bytes of the executable's file image starting at
	// file offset off, the bytes that back [CodeAddr, CodeAddr+CodeSize)
	// followed immediately by the init-data segment.
	ReadAt(off int64, size int) []byte
}

// FakeExecutable is an in-memory Executable for tests: a flat image plus
// the three segment descriptors.
type FakeExecutable struct {
	Image                                            []byte
	Code, InitData, UninitData                       struct{ Addr, Size uint32 }
}

func (e *FakeExecutable) CodeAddr() uint32        { return e.Code.Addr }
func (e *FakeExecutable) CodeSize() uint32        { return e.Code.Size }
func (e *FakeExecutable) InitDataAddr() uint32    { return e.InitData.Addr }
func (e *FakeExecutable) InitDataSize() uint32    { return e.InitData.Size }
func (e *FakeExecutable) UninitDataAddr() uint32  { return e.UninitData.Addr }
func (e *FakeExecutable) UninitDataSize() uint32  { return e.UninitData.Size }

func (e *FakeExecutable) ReadAt(off int64, size int) []byte {
	out := make([]byte, size)
	if off < 0 || off >= int64(len(e.Image)) {
		return out
	}
	n := copy(out, e.Image[off:])
	_ = n
	return out
}

package kvm

// StableAPIVersion is the only KVM API version this package speaks
// (KVM_API_VERSION, stable since Linux 2.6.22).
const StableAPIVersion = 12

// MaxCPUIDEntries is the largest trailing-entry count accepted by
// System.SupportedCPUID, matching the ceiling widely used for
// KVM_GET_SUPPORTED_CPUID buffers.
const MaxCPUIDEntries = 80

// Capability identifies a KVM_CHECK_EXTENSION capability.
type Capability uintptr

const (
	CapIRQChip       Capability = 0
	CapHLT           Capability = 1
	CapUserMemory    Capability = 3
	CapCoalescedMMIO Capability = 4
	CapExtCPUID      Capability = 7
	CapNrVCPUs       Capability = 9
	CapNrMemslots    Capability = 10
	CapMaxVCPUs      Capability = 66
	CapImmediateExit Capability = 136
)

// Regs mirrors struct kvm_regs, the amd64 general-purpose register file
// exchanged with KVM_GET_REGS and KVM_SET_REGS.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFlags uint64
}

// Segment mirrors struct kvm_segment, one segment register with its hidden
// descriptor state.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable, a descriptor-table register.
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs, the amd64 special register file exchanged
// with KVM_GET_SREGS and KVM_SET_SREGS.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             DTable
	IDT             DTable
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	APICBase        uint64
	InterruptBitmap [4]uint64
}

// MemFlag holds flags for a userspace memory region.
type MemFlag uint32

const (
	// MemLogDirtyPages maps to KVM_MEM_LOG_DIRTY_PAGES.
	MemLogDirtyPages MemFlag = 1 << 0
	// MemReadonly maps to KVM_MEM_READONLY.
	MemReadonly MemFlag = 1 << 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument of KVM_SET_USER_MEMORY_REGION.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         MemFlag
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

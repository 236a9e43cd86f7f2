package kvm

import (
	"fmt"
	"unsafe"
)

// ExitReason categorizes why KVM_RUN returned to user space. Values match
// the kernel's KVM_EXIT_* constants.
type ExitReason uint32

const (
	ExitReasonUnknown       ExitReason = 0
	ExitReasonException     ExitReason = 1
	ExitReasonIO            ExitReason = 2
	ExitReasonHypercall     ExitReason = 3
	ExitReasonDebug         ExitReason = 4
	ExitReasonHLT           ExitReason = 5
	ExitReasonMMIO          ExitReason = 6
	ExitReasonIRQWindowOpen ExitReason = 7
	ExitReasonShutdown      ExitReason = 8
	ExitReasonFailEntry     ExitReason = 9
	ExitReasonIntr          ExitReason = 10
	ExitReasonSetTPR        ExitReason = 11
	ExitReasonTPRAccess     ExitReason = 12
	ExitReasonNMI           ExitReason = 16
	ExitReasonInternalError ExitReason = 17
	ExitReasonSystemEvent   ExitReason = 24
)

func (e ExitReason) String() string {
	switch e {
	case ExitReasonUnknown:
		return "unknown"
	case ExitReasonException:
		return "exception"
	case ExitReasonIO:
		return "io"
	case ExitReasonHypercall:
		return "hypercall"
	case ExitReasonDebug:
		return "debug"
	case ExitReasonHLT:
		return "hlt"
	case ExitReasonMMIO:
		return "mmio"
	case ExitReasonIRQWindowOpen:
		return "irq-window-open"
	case ExitReasonShutdown:
		return "shutdown"
	case ExitReasonFailEntry:
		return "fail-entry"
	case ExitReasonIntr:
		return "intr"
	case ExitReasonSetTPR:
		return "set-tpr"
	case ExitReasonTPRAccess:
		return "tpr-access"
	case ExitReasonNMI:
		return "nmi"
	case ExitReasonInternalError:
		return "internal-error"
	case ExitReasonSystemEvent:
		return "system-event"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint32(e))
	}
}

// RunData mirrors the amd64 layout of struct kvm_run, the control page the
// kernel shares with user space for each vCPU. The exit-data union and the
// sync-regs area are kept as raw bytes with typed accessors.
type RunData struct {
	// in
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8

	// out
	ExitReason                 ExitReason
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16

	// in (pre_kvm_run), out (post_kvm_run)
	CR8      uint64
	APICBase uint64

	exitData [256]byte

	KVMValidRegs uint64
	KVMDirtyRegs uint64

	syncRegs [2048]byte
}

// ExitIO mirrors the KVM_EXIT_IO member of the kvm_run exit-data union.
// DataOffset is relative to the start of the run page.
type ExitIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// ExitIO direction values.
const (
	IODirectionIn  uint8 = 0
	IODirectionOut uint8 = 1
)

// ExitMMIO mirrors the KVM_EXIT_MMIO member of the kvm_run exit-data union.
type ExitMMIO struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
}

// IO reinterprets the exit-data union as the KVM_EXIT_IO payload. Only
// meaningful when ExitReason is ExitReasonIO; the returned pointer aliases
// the control page and stays valid while the mapping does.
func (r *RunData) IO() *ExitIO {
	return (*ExitIO)(unsafe.Pointer(&r.exitData[0]))
}

// MMIO reinterprets the exit-data union as the KVM_EXIT_MMIO payload. Only
// meaningful when ExitReason is ExitReasonMMIO. The payload is mutable so a
// device model can fill Data in response to a read.
func (r *RunData) MMIO() *ExitMMIO {
	return (*ExitMMIO)(unsafe.Pointer(&r.exitData[0]))
}

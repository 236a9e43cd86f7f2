package kvm

import "unsafe"

// cpuid2 mirrors the header of struct kvm_cpuid2. The kvm_cpuid_entry2
// records trail it in the same allocation.
type cpuid2 struct {
	nent    uint32
	padding uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2, one CPUID leaf as reported
// or consumed by the kernel.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID wraps a kvm_cpuid2 flexible-array struct for KVM_GET_SUPPORTED_CPUID
// and KVM_SET_CPUID2.
//
// The header's nent field is written by the kernel and is never trusted for
// sizing memory: allocatedLen, fixed at construction, is the sole bound for
// every view of the trailing entries.
type CPUID struct {
	buf          []cpuid2
	allocatedLen int
}

// NewCPUID returns a CPUID container with room for maxEntries trailing
// entries. The header count starts at maxEntries, so the returned container
// is immediately valid for an ioctl that fills in up to maxEntries entries.
// A negative maxEntries panics.
func NewCPUID(maxEntries int) *CPUID {
	buf := sliceWithArrayField[cpuid2, CPUIDEntry2](maxEntries)
	buf[0].nent = uint32(maxEntries)
	return &CPUID{
		buf:          buf,
		allocatedLen: maxEntries,
	}
}

// Entries returns a mutable view of the live trailing entries.
//
// If a previous kernel call left the header claiming more entries than were
// allocated, the count is clamped back to the allocated maximum first; the
// returned view never extends past it.
func (c *CPUID) Entries() []CPUIDEntry2 {
	hdr := &c.buf[0]
	if int(hdr.nent) > c.allocatedLen {
		hdr.nent = uint32(c.allocatedLen)
	}
	if hdr.nent == 0 {
		return nil
	}
	first := (*CPUIDEntry2)(unsafe.Add(unsafe.Pointer(hdr), unsafe.Sizeof(*hdr)))
	return unsafe.Slice(first, hdr.nent)
}

// Pointer returns the address of the kvm_cpuid2 header for passing to an
// ioctl. The kernel side must not read or write more trailing entries than
// the container was constructed with; keep the container reachable across
// the call (runtime.KeepAlive) so the buffer is not collected under it.
func (c *CPUID) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&c.buf[0])
}

// Clone returns an independent byte-for-byte copy of the container,
// preserving the allocated maximum. Mutating the clone never affects the
// original.
func (c *CPUID) Clone() *CPUID {
	buf := make([]cpuid2, len(c.buf))
	copy(buf, c.buf)
	return &CPUID{
		buf:          buf,
		allocatedLen: c.allocatedLen,
	}
}

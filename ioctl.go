//go:build linux && amd64

package kvm

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request values, precomputed from the kernel's _IOC encoding
// (dir<<30 | size<<16 | type<<8 | nr with type KVMIO = 0xAE) for amd64
// argument struct sizes.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetVCPUMmapSize     = 0xAE04
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmCreateIRQChip       = 0xAE60
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetCPUID2           = 0x4008AE90
)

// ioctl issues one ioctl, retrying while the call is interrupted by a
// signal, and reports the raw result with the errno for callers that need
// to branch on it.
func ioctl(fd, request, arg uintptr) (uintptr, syscall.Errno) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
		if errno != unix.EINTR {
			return r, errno
		}
	}
}

// ioctlInt issues an ioctl whose result is a plain integer.
func ioctlInt(fd, request, arg uintptr) (int, error) {
	r, errno := ioctl(fd, request, arg)
	if errno != 0 {
		return 0, kvmErr(errno)
	}
	return int(r), nil
}

// ioctlPointer issues an ioctl taking a pointer argument. The caller keeps
// the pointee alive across the call.
func ioctlPointer(fd, request uintptr, arg unsafe.Pointer) error {
	_, errno := ioctl(fd, request, uintptr(arg))
	if errno != 0 {
		return kvmErr(errno)
	}
	return nil
}

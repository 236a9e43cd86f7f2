package kvm

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// KVMError wraps an errno reported by the KVM subsystem.
// Errno stores the raw OS error value returned by the failing ioctl or
// mapping call.
type KVMError struct {
	Errno   syscall.Errno
	message string // Optional custom message for specific errors
}

func (e KVMError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	// Security: Check if we should sanitize error messages
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Unwrap exposes the underlying errno so callers can match with errors.Is.
func (e KVMError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// detailedError provides full error context for development
func (e KVMError) detailedError() string {
	switch e.Errno {
	case 0:
		return "kvm: success"
	case syscall.EPERM, syscall.EACCES:
		return "kvm: permission denied (EPERM/EACCES) - check read/write access to /dev/kvm (kvm group membership or udev rules)"
	case syscall.ENOENT:
		return "kvm: no such file (ENOENT) - /dev/kvm missing, is the kvm module loaded?"
	case syscall.EBADF:
		return "kvm: bad file descriptor (EBADF) - handle already closed or never opened"
	case syscall.ENOMEM:
		return "kvm: insufficient memory (ENOMEM) - kernel could not allocate for this request"
	case syscall.EFAULT:
		return "kvm: bad address (EFAULT) - argument struct not accessible by the kernel"
	case syscall.EINVAL:
		return "kvm: invalid argument (EINVAL) - check parameter values, slot layout, and alignment"
	case syscall.ENODEV:
		return "kvm: device not found (ENODEV) - hardware virtualization unavailable or disabled in firmware"
	case syscall.ENOSPC:
		return "kvm: no space (ENOSPC) - vCPU or memory slot limit reached"
	case syscall.E2BIG:
		return "kvm: argument list too long (E2BIG) - entry buffer smaller than what the kernel needs"
	case syscall.EEXIST:
		return "kvm: resource exists (EEXIST) - vCPU id or irqchip already created"
	case syscall.EINTR:
		return "kvm: interrupted (EINTR) - call interrupted by a signal"
	case syscall.ENOTSUP:
		return "kvm: operation unsupported (ENOTSUP) - feature not available on this kernel or platform"
	default:
		return fmt.Sprintf("kvm: %s (errno %d) - consult the KVM API documentation", e.Errno.Error(), uintptr(e.Errno))
	}
}

// sanitizedError provides minimal error information for production
func (e KVMError) sanitizedError() string {
	switch e.Errno {
	case 0:
		return "kvm: success"
	case syscall.EPERM, syscall.EACCES:
		return "kvm: permission denied"
	case syscall.ENOENT:
		return "kvm: no such file"
	case syscall.EBADF:
		return "kvm: bad file descriptor"
	case syscall.ENOMEM:
		return "kvm: insufficient memory"
	case syscall.EFAULT:
		return "kvm: bad address"
	case syscall.EINVAL:
		return "kvm: invalid argument"
	case syscall.ENODEV:
		return "kvm: device not found"
	case syscall.ENOSPC:
		return "kvm: no space"
	case syscall.E2BIG:
		return "kvm: argument list too long"
	case syscall.EEXIST:
		return "kvm: resource exists"
	case syscall.EINTR:
		return "kvm: interrupted"
	case syscall.ENOTSUP:
		return "kvm: operation unsupported"
	default:
		return "kvm: kvm error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("KVM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("KVM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func kvmErr(errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return KVMError{Errno: errno}
}

// Common specific errors for API consumers
var (
	ErrSystemClosed        = &KVMError{Errno: syscall.EBADF, message: "kvm: system handle is closed"}
	ErrVMClosed            = &KVMError{Errno: syscall.EBADF, message: "kvm: VM is closed"}
	ErrVCPUClosed          = &KVMError{Errno: syscall.EBADF, message: "kvm: vCPU is closed"}
	ErrRunPageClosed       = &KVMError{Errno: syscall.EBADF, message: "kvm: run page is unmapped"}
	ErrAPIVersion          = &KVMError{Errno: syscall.ENOTSUP, message: "kvm: unsupported KVM API version"}
	ErrUnsupportedPlatform = &KVMError{Errno: syscall.ENOTSUP, message: "kvm: not supported on this platform"}
)

//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RunWrapper owns the shared mapping of one vCPU's kvm_run control page.
//
// The mapping address is fixed at construction and never reassigned, so the
// wrapper itself may be handed to any number of goroutines; every access
// goes through the same stateless reinterpretation in Data. Synchronizing
// access to the page contents is the caller's concern (typically one
// goroutine drives one vCPU, so none is needed).
type RunWrapper struct {
	raw     []byte
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// NewRunWrapper maps the kvm_run control page of vcpuFd shared and
// read-write. size must be the value reported by KVM_GET_VCPU_MMAP_SIZE;
// it is trusted, not re-verified here. On failure the OS error is returned
// and no wrapper is produced.
func NewRunWrapper(vcpuFd int, size int) (*RunWrapper, error) {
	raw, err := unix.Mmap(vcpuFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		recordResourceError()
		if errno, ok := err.(syscall.Errno); ok {
			err = kvmErr(errno)
		}
		return nil, fmt.Errorf("failed to map %d byte run page: %w", size, err)
	}

	r := &RunWrapper{raw: raw}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(r, (*RunWrapper).finalize)

	recordRunPageMap()
	return r, nil
}

// Data reinterprets the mapped page as the kvm_run structure and returns a
// mutable reference to it. Valid while the mapping is active; must not be
// called after Close.
func (r *RunWrapper) Data() *RunData {
	return (*RunData)(unsafe.Pointer(&r.raw[0]))
}

// IOData returns the bytes of the current KVM_EXIT_IO transfer as a mutable
// window into the run page. Only meaningful when the last exit was
// ExitReasonIO.
func (r *RunWrapper) IOData() []byte {
	io := r.Data().IO()
	n := int(io.Size) * int(io.Count)
	return r.raw[int(io.DataOffset) : int(io.DataOffset)+n]
}

// Close unmaps the control page. Idempotent.
func (r *RunWrapper) Close() error {
	if r == nil {
		return nil
	}

	r.closeMu.Lock()
	defer r.closeMu.Unlock()

	if r.closed {
		return nil // Already closed
	}

	if err := unix.Munmap(r.raw); err != nil {
		return fmt.Errorf("failed to unmap run page: %w", err)
	}

	r.raw = nil
	r.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(r, nil)

	recordRunPageUnmap()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (r *RunWrapper) finalize() {
	if r == nil {
		return
	}
	if r.closeMu.TryLock() {
		defer r.closeMu.Unlock()
		if !r.closed {
			r.closed = true
			if r.raw != nil {
				unix.Munmap(r.raw)
				r.raw = nil
				recordRunPageUnmap()
			}
		}
	}
}

//go:build linux && amd64

package kvm

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return addr&cachedPageMask == 0
}

// VM represents a single KVM virtual machine instance.
type VM struct {
	fd      int
	runSize int
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// SetUserMemoryRegion installs, moves, or deletes one guest memory slot.
// The guest physical address, the region size, and the backing host address
// must all be page-aligned.
func (vm *VM) SetUserMemoryRegion(region *UserspaceMemoryRegion) error {
	if vm == nil {
		return fmt.Errorf("kvm: VM is nil")
	}
	if region == nil {
		return fmt.Errorf("kvm: memory region is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return ErrVMClosed
	}

	if region.GuestPhysAddr > math.MaxUint64-region.MemorySize {
		return fmt.Errorf("kvm: guest address range would overflow")
	}

	validFlags := MemLogDirtyPages | MemReadonly
	if region.Flags&^validFlags != 0 {
		return fmt.Errorf("kvm: invalid memory flags 0x%x (valid: 0x%x)", region.Flags, validFlags)
	}

	if !isPageAligned(region.GuestPhysAddr) {
		return fmt.Errorf("kvm: guest physical address not page-aligned: 0x%x (page size: %d)", region.GuestPhysAddr, pageSize())
	}
	if !isPageAligned(region.MemorySize) {
		return fmt.Errorf("kvm: region size not page multiple: %d (page size: %d)", region.MemorySize, pageSize())
	}
	if region.MemorySize != 0 && !isPageAligned(region.UserspaceAddr) {
		return fmt.Errorf("kvm: host address not page-aligned: 0x%x (page size: %d)", region.UserspaceAddr, pageSize())
	}

	if err := ioctlPointer(uintptr(vm.fd), kvmSetUserMemoryRegion, unsafe.Pointer(region)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set memory region (slot %d, %d bytes at 0x%x): %w",
			region.Slot, region.MemorySize, region.GuestPhysAddr, err)
	}
	runtime.KeepAlive(region)

	recordMemRegionOp()
	return nil
}

// CreateVCPU creates vCPU id for this VM and maps its run page.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	if vm == nil {
		return nil, fmt.Errorf("kvm: VM is nil")
	}
	if id < 0 {
		return nil, fmt.Errorf("kvm: invalid vCPU id %d", id)
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrVMClosed
	}

	fd, err := ioctlInt(uintptr(vm.fd), kvmCreateVCPU, uintptr(id))
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to create vCPU %d: %w", id, err)
	}

	wrapper, err := NewRunWrapper(fd, vm.runSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	c := &VCPU{id: id, fd: fd, wrapper: wrapper}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(c, (*VCPU).finalize)

	recordVCPUCreate()
	return c, nil
}

// CreateIRQChip creates the in-kernel interrupt controller model for this
// VM.
func (vm *VM) CreateIRQChip() error {
	if vm == nil {
		return fmt.Errorf("kvm: VM is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return ErrVMClosed
	}

	if _, err := ioctlInt(uintptr(vm.fd), kvmCreateIRQChip, 0); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to create irqchip: %w", err)
	}
	return nil
}

// SetTSSAddr reserves the three-page region at addr for the task state
// segment KVM needs on Intel hardware without unrestricted guest support.
func (vm *VM) SetTSSAddr(addr uint32) error {
	if vm == nil {
		return fmt.Errorf("kvm: VM is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return ErrVMClosed
	}

	if _, err := ioctlInt(uintptr(vm.fd), kvmSetTSSAddr, uintptr(addr)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set TSS address 0x%x: %w", addr, err)
	}
	return nil
}

// Close destroys the VM descriptor. Idempotent. vCPUs created from this VM
// hold their own descriptors and must be closed separately.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil // Already closed
	}

	if err := unix.Close(vm.fd); err != nil {
		return fmt.Errorf("failed to close VM: %w", err)
	}
	vm.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)

	recordVMDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	if vm.closeMu.TryLock() {
		defer vm.closeMu.Unlock()
		if !vm.closed {
			vm.closed = true
			unix.Close(vm.fd)
			recordVMDestroy()
		}
	}
}

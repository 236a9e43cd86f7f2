//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VCPU represents a single vCPU of a VM, together with the shared mapping
// of its kvm_run control page.
type VCPU struct {
	id      int
	fd      int
	wrapper *RunWrapper
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// Run executes the vCPU until it exits back to user space and returns the
// exit reason read from the control page. Details of the exit (port I/O
// payload, MMIO access) are available through RunData and IOData.
func (c *VCPU) Run() (ExitReason, error) {
	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	if c == nil {
		return ExitReasonUnknown, fmt.Errorf("kvm: vCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ExitReasonUnknown, ErrVCPUClosed
	}

	if _, err := ioctlInt(uintptr(c.fd), kvmRun, 0); err != nil {
		recordResourceError()
		return ExitReasonUnknown, fmt.Errorf("failed to run vCPU %d: %w", c.id, err)
	}

	return c.wrapper.Data().ExitReason, nil
}

// RunData returns the mutable view of this vCPU's control page.
func (c *VCPU) RunData() *RunData {
	return c.wrapper.Data()
}

// IOData returns the bytes of the current KVM_EXIT_IO transfer. Only
// meaningful when the last exit was ExitReasonIO.
func (c *VCPU) IOData() []byte {
	return c.wrapper.IOData()
}

// GetRegs reads the general-purpose registers.
func (c *VCPU) GetRegs() (*Regs, error) {
	if c == nil {
		return nil, fmt.Errorf("kvm: vCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil, ErrVCPUClosed
	}

	var regs Regs
	if err := ioctlPointer(uintptr(c.fd), kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to get registers: %w", err)
	}

	recordRegisterOp()
	return &regs, nil
}

// SetRegs writes the general-purpose registers.
func (c *VCPU) SetRegs(regs *Regs) error {
	if c == nil {
		return fmt.Errorf("kvm: vCPU is nil")
	}
	if regs == nil {
		return fmt.Errorf("kvm: registers are nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrVCPUClosed
	}

	if err := ioctlPointer(uintptr(c.fd), kvmSetRegs, unsafe.Pointer(regs)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set registers: %w", err)
	}
	runtime.KeepAlive(regs)

	recordRegisterOp()
	return nil
}

// GetSregs reads the special registers.
func (c *VCPU) GetSregs() (*Sregs, error) {
	if c == nil {
		return nil, fmt.Errorf("kvm: vCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil, ErrVCPUClosed
	}

	var sregs Sregs
	if err := ioctlPointer(uintptr(c.fd), kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to get special registers: %w", err)
	}

	recordRegisterOp()
	return &sregs, nil
}

// SetSregs writes the special registers.
func (c *VCPU) SetSregs(sregs *Sregs) error {
	if c == nil {
		return fmt.Errorf("kvm: vCPU is nil")
	}
	if sregs == nil {
		return fmt.Errorf("kvm: special registers are nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrVCPUClosed
	}

	if err := ioctlPointer(uintptr(c.fd), kvmSetSregs, unsafe.Pointer(sregs)); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set special registers: %w", err)
	}
	runtime.KeepAlive(sregs)

	recordRegisterOp()
	return nil
}

// SetCPUID2 hands the guest CPUID table to the kernel. The kernel reads at
// most the count the container's header claims, which never exceeds what
// was allocated.
func (c *VCPU) SetCPUID2(id *CPUID) error {
	if c == nil {
		return fmt.Errorf("kvm: vCPU is nil")
	}
	if id == nil {
		return fmt.Errorf("kvm: cpuid table is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrVCPUClosed
	}

	if err := ioctlPointer(uintptr(c.fd), kvmSetCPUID2, id.Pointer()); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set cpuid: %w", err)
	}
	runtime.KeepAlive(id)

	return nil
}

// Close unmaps the run page and destroys the vCPU descriptor. Idempotent.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil // Already closed
	}

	if err := c.wrapper.Close(); err != nil {
		return err
	}
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("failed to close vCPU %d: %w", c.id, err)
	}
	c.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(c, nil)

	recordVCPUDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (c *VCPU) finalize() {
	if c == nil {
		return
	}
	if c.closeMu.TryLock() {
		defer c.closeMu.Unlock()
		if !c.closed {
			c.closed = true
			if c.wrapper != nil {
				c.wrapper.Close()
			}
			unix.Close(c.fd)
			recordVCPUDestroy()
		}
	}
}

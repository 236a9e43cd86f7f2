//go:build linux && amd64

package kvm

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// devKVM is the character device exposing the KVM subsystem.
const devKVM = "/dev/kvm"

// System is a handle to the KVM subsystem itself, backed by an open
// descriptor for /dev/kvm.
type System struct {
	f       *os.File
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// New opens /dev/kvm and verifies the kernel speaks the stable API version.
func New() (*System, error) {
	return NewWithPath(devKVM)
}

// NewWithPath opens the KVM device at path instead of /dev/kvm.
func NewWithPath(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	s := &System{f: f}
	version, err := s.APIVersion()
	if err != nil {
		f.Close()
		return nil, err
	}
	if version != StableAPIVersion {
		f.Close()
		return nil, fmt.Errorf("kvm: reported API version %d, want %d: %w", version, StableAPIVersion, ErrAPIVersion)
	}

	recordSystemOpen()
	return s, nil
}

// APIVersion returns the KVM API version reported by the kernel.
func (s *System) APIVersion() (int, error) {
	if s == nil {
		return 0, fmt.Errorf("kvm: system handle is nil")
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return 0, ErrSystemClosed
	}

	version, err := ioctlInt(s.f.Fd(), kvmGetAPIVersion, 0)
	if err != nil {
		recordResourceError()
		return 0, fmt.Errorf("failed to query API version: %w", err)
	}
	return version, nil
}

// CheckExtension queries one capability and returns the kernel's raw
// answer: 0 when absent, positive (often a limit) when present.
func (s *System) CheckExtension(c Capability) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("kvm: system handle is nil")
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return 0, ErrSystemClosed
	}

	value, err := ioctlInt(s.f.Fd(), kvmCheckExtension, uintptr(c))
	if err != nil {
		recordResourceError()
		return 0, fmt.Errorf("failed to check extension %d: %w", c, err)
	}
	return value, nil
}

// VCPUMmapSize returns the byte size of the per-vCPU kvm_run mapping, the
// size NewRunWrapper must be given.
func (s *System) VCPUMmapSize() (int, error) {
	if s == nil {
		return 0, fmt.Errorf("kvm: system handle is nil")
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return 0, ErrSystemClosed
	}

	size, err := ioctlInt(s.f.Fd(), kvmGetVCPUMmapSize, 0)
	if err != nil {
		recordResourceError()
		return 0, fmt.Errorf("failed to query vCPU mmap size: %w", err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("kvm: kernel reported non-positive mmap size %d", size)
	}
	return size, nil
}

// SupportedCPUID returns the CPUID leaves the kernel can virtualize, in a
// container sized for at most maxEntries entries. If the kernel needs more
// room than requested it adjusts the header count; the query is retried
// with the adjusted size a bounded number of times.
func (s *System) SupportedCPUID(maxEntries int) (*CPUID, error) {
	if s == nil {
		return nil, fmt.Errorf("kvm: system handle is nil")
	}
	if maxEntries <= 0 || maxEntries > MaxCPUIDEntries {
		return nil, fmt.Errorf("kvm: cpuid entry count %d out of range (1-%d): %w",
			maxEntries, MaxCPUIDEntries, kvmErr(unix.EINVAL))
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil, ErrSystemClosed
	}

	id := NewCPUID(maxEntries)
	for attempt := 0; ; attempt++ {
		_, errno := ioctl(s.f.Fd(), kvmGetSupportedCPUID, uintptr(id.Pointer()))
		runtime.KeepAlive(id)

		switch errno {
		case 0:
			recordCPUIDQuery()
			return id, nil
		case unix.E2BIG, unix.ENOMEM:
			// The kernel adjusted the header count to what it needs.
			need := int(id.buf[0].nent)
			if attempt >= 4 || need <= id.allocatedLen || need > MaxCPUIDEntries {
				recordResourceError()
				return nil, fmt.Errorf("failed to query supported CPUID: %w", kvmErr(errno))
			}
			id = NewCPUID(need)
		default:
			recordResourceError()
			return nil, fmt.Errorf("failed to query supported CPUID: %w", kvmErr(errno))
		}
	}
}

// CreateVM creates a virtual machine and threads the run-page size through
// to it for later vCPU creation.
func (s *System) CreateVM() (*VM, error) {
	start := time.Now()
	defer func() {
		recordVMCreate(time.Since(start))
	}()

	if s == nil {
		return nil, fmt.Errorf("kvm: system handle is nil")
	}

	runSize, err := s.VCPUMmapSize()
	if err != nil {
		return nil, err
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil, ErrSystemClosed
	}

	fd, err := ioctlInt(s.f.Fd(), kvmCreateVM, 0)
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}

	vm := &VM{fd: fd, runSize: runSize}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)

	return vm, nil
}

// Close releases the /dev/kvm descriptor. Idempotent. VMs and vCPUs
// already created stay usable; they hold their own descriptors.
func (s *System) Close() error {
	if s == nil {
		return nil
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil // Already closed
	}

	if err := s.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", devKVM, err)
	}
	s.closed = true
	return nil
}

//go:build linux && amd64 && kvm

package kvm

import (
	"errors"
	"syscall"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// requireSystem opens /dev/kvm or skips the test when the device is absent
// or inaccessible.
func requireSystem(t *testing.T) *System {
	t.Helper()

	// Skip KVM tests in CI environments (no nested virtualization support)
	if isCI() {
		t.Skip("Skipping KVM tests in CI environment")
	}

	supported, err := Supported()
	if err != nil {
		t.Fatalf("Failed to check KVM support: %v", err)
	}
	if !supported {
		t.Skip("KVM not supported - skipping integration test")
	}

	sys, err := New()
	if err != nil {
		t.Skipf("Cannot open /dev/kvm (likely missing permissions): %v", err)
	}
	t.Cleanup(func() {
		if err := sys.Close(); err != nil {
			t.Errorf("Failed to close system handle: %v", err)
		}
	})
	return sys
}

// mapGuestMemory allocates page-aligned anonymous memory for guest RAM.
func mapGuestMemory(t *testing.T, size int) []byte {
	t.Helper()

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("Failed to mmap guest memory: %v", err)
	}
	t.Cleanup(func() {
		if err := unix.Munmap(mem); err != nil {
			t.Errorf("Failed to munmap guest memory: %v", err)
		}
	})
	return mem
}

func TestGuestSerialAdder(t *testing.T) {
	sys := requireSystem(t)

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Failed to close VM: %v", err)
		}
	}()

	// A real-mode guest that adds AL and BL, prints the digit and a
	// newline on the serial port, then halts:
	//
	//	mov dx, 0x3f8
	//	add al, bl
	//	add al, '0'
	//	out dx, al
	//	mov al, '\n'
	//	out dx, al
	//	hlt
	code := []byte{
		0xba, 0xf8, 0x03,
		0x00, 0xd8,
		0x04, '0',
		0xee,
		0xb0, '\n',
		0xee,
		0xf4,
	}

	const guestPhys = 0x1000
	mem := mapGuestMemory(t, 0x1000)
	copy(mem, code)

	err = vm.SetUserMemoryRegion(&UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	})
	if err != nil {
		t.Fatalf("Failed to set memory region: %v", err)
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer func() {
		if err := vcpu.Close(); err != nil {
			t.Errorf("Failed to close vCPU: %v", err)
		}
	}()

	// Flat real mode starting at the code we just loaded.
	sregs, err := vcpu.GetSregs()
	if err != nil {
		t.Fatalf("Failed to get special registers: %v", err)
	}
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := vcpu.SetSregs(sregs); err != nil {
		t.Fatalf("Failed to set special registers: %v", err)
	}

	err = vcpu.SetRegs(&Regs{
		RIP:    guestPhys,
		RAX:    2,
		RBX:    2,
		RFlags: 0x2, // reserved bit must stay set
	})
	if err != nil {
		t.Fatalf("Failed to set registers: %v", err)
	}

	var output []byte
	for i := 0; ; i++ {
		if i >= 16 {
			t.Fatal("Guest did not halt after 16 exits")
		}

		reason, err := vcpu.Run()
		if err != nil {
			t.Fatalf("Failed to run vCPU: %v", err)
		}

		switch reason {
		case ExitReasonIO:
			io := vcpu.RunData().IO()
			if io.Direction != IODirectionOut {
				t.Fatalf("IO direction = %d, want out", io.Direction)
			}
			if io.Port != 0x3f8 {
				t.Fatalf("IO port = %#x, want 0x3f8", io.Port)
			}
			if io.Size != 1 || io.Count != 1 {
				t.Fatalf("IO size/count = %d/%d, want 1/1", io.Size, io.Count)
			}
			output = append(output, vcpu.IOData()...)
		case ExitReasonHLT:
			if string(output) != "4\n" {
				t.Errorf("Guest output = %q, want \"4\\n\"", output)
			} else {
				t.Logf("Guest computed 2+2 and printed %q", output)
			}

			regs, err := vcpu.GetRegs()
			if err != nil {
				t.Fatalf("Failed to get registers after halt: %v", err)
			}
			if regs.RBX != 2 {
				t.Errorf("RBX = %d, want 2 untouched", regs.RBX)
			}
			t.Logf("Final RIP: 0x%x", regs.RIP)
			return
		default:
			t.Fatalf("Unexpected exit reason %v", reason)
		}
	}
}

func TestSystemQueries(t *testing.T) {
	sys := requireSystem(t)

	version, err := sys.APIVersion()
	if err != nil {
		t.Fatalf("Failed to query API version: %v", err)
	}
	if version != StableAPIVersion {
		t.Errorf("API version = %d, want %d", version, StableAPIVersion)
	}

	size, err := sys.VCPUMmapSize()
	if err != nil {
		t.Fatalf("Failed to query mmap size: %v", err)
	}
	if min := int(unsafe.Sizeof(RunData{})); size < min {
		t.Errorf("vCPU mmap size = %d, want at least %d", size, min)
	}

	// Capabilities this package depends on.
	for _, c := range []Capability{CapUserMemory, CapExtCPUID} {
		value, err := sys.CheckExtension(c)
		if err != nil {
			t.Fatalf("Failed to check extension %d: %v", c, err)
		}
		if value == 0 {
			t.Errorf("capability %d not present, package requires it", c)
		}
	}

	if maxVCPUs, err := sys.CheckExtension(CapMaxVCPUs); err == nil {
		t.Logf("Max vCPUs: %d", maxVCPUs)
	}
}

func TestSupportedCPUIDAgainstHardware(t *testing.T) {
	sys := requireSystem(t)

	id, err := sys.SupportedCPUID(MaxCPUIDEntries)
	if err != nil {
		t.Fatalf("Failed to query supported CPUID: %v", err)
	}

	entries := id.Entries()
	if len(entries) == 0 || len(entries) > MaxCPUIDEntries {
		t.Fatalf("Supported CPUID entry count = %d, want within (0, %d]", len(entries), MaxCPUIDEntries)
	}
	t.Logf("Kernel reported %d CPUID leaves", len(entries))

	// Leaf 0 must be present on any x86 host.
	found := false
	for _, e := range entries {
		if e.Function == 0 {
			found = true
			break
		}
	}
	if !found {
		t.Error("CPUID leaf 0 missing from supported list")
	}

	// A clone carries the same table and feeds a vCPU just as well.
	dup := id.Clone()

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer vcpu.Close()

	if err := vcpu.SetCPUID2(dup); err != nil {
		t.Errorf("Failed to set cloned CPUID table: %v", err)
	}
}

func TestVMLifecycle(t *testing.T) {
	sys := requireSystem(t)

	// Unlike single-VM hypervisors, KVM allows several VMs per process.
	vm1, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create first VM: %v", err)
	}
	vm2, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create second VM: %v", err)
	}

	if err := vm1.Close(); err != nil {
		t.Errorf("Failed to close first VM: %v", err)
	}
	if err := vm1.Close(); err != nil {
		t.Errorf("Second close of first VM: %v", err)
	}
	if err := vm2.Close(); err != nil {
		t.Errorf("Failed to close second VM: %v", err)
	}

	// The system handle can go away while VMs live on.
	vm3, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create third VM: %v", err)
	}
	defer vm3.Close()
	if err := sys.Close(); err != nil {
		t.Fatalf("Failed to close system handle: %v", err)
	}
	if err := vm3.SetTSSAddr(0xfffbd000); err != nil {
		t.Errorf("VM unusable after system close: %v", err)
	}
}

func TestVCPULifecycle(t *testing.T) {
	sys := requireSystem(t)

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	vcpus := make([]*VCPU, 0, 3)
	for i := 0; i < 3; i++ {
		vcpu, err := vm.CreateVCPU(i)
		if err != nil {
			t.Fatalf("Failed to create vCPU %d: %v", i, err)
		}
		vcpus = append(vcpus, vcpu)
		t.Logf("Created vCPU %d", vcpu.id)
	}

	// Reusing a vCPU id must fail.
	if dup, err := vm.CreateVCPU(0); err == nil {
		dup.Close()
		t.Error("Expected error when reusing vCPU id 0, but succeeded")
	} else {
		t.Logf("Correctly rejected duplicate vCPU id: %v", err)
	}

	for i, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			t.Errorf("Failed to close vCPU %d: %v", i, err)
		}
		if err := vcpu.Close(); err != nil {
			t.Errorf("Second close of vCPU %d: %v", i, err)
		}
	}
}

func TestIRQChipAndTSS(t *testing.T) {
	sys := requireSystem(t)

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	if err := vm.SetTSSAddr(0xfffbd000); err != nil {
		t.Errorf("Failed to set TSS address: %v", err)
	}

	if err := vm.CreateIRQChip(); err != nil {
		t.Fatalf("Failed to create irqchip: %v", err)
	}

	// The kernel refuses a second interrupt controller.
	if err := vm.CreateIRQChip(); err == nil {
		t.Error("Expected error when creating second irqchip, but succeeded")
	} else if !errors.Is(err, syscall.EEXIST) {
		t.Logf("Second irqchip rejected with %v (kernel-dependent errno)", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	sys := requireSystem(t)

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer vcpu.Close()

	want := &Regs{
		RAX: 0x1111, RBX: 0x2222, RCX: 0x3333, RDX: 0x4444,
		RSI: 0x5555, RDI: 0x6666, RSP: 0x7000, RBP: 0x8000,
		R8: 0x9, R9: 0xa, R10: 0xb, R11: 0xc,
		R12: 0xd, R13: 0xe, R14: 0xf, R15: 0x10,
		RIP: 0x1000, RFlags: 0x2,
	}
	if err := vcpu.SetRegs(want); err != nil {
		t.Fatalf("Failed to set registers: %v", err)
	}

	got, err := vcpu.GetRegs()
	if err != nil {
		t.Fatalf("Failed to get registers: %v", err)
	}
	if *got != *want {
		t.Errorf("register round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSregsRoundTrip(t *testing.T) {
	sys := requireSystem(t)

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}
	defer vm.Close()

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer vcpu.Close()

	sregs, err := vcpu.GetSregs()
	if err != nil {
		t.Fatalf("Failed to get special registers: %v", err)
	}

	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	sregs.DS.Base = 0
	sregs.DS.Selector = 0
	if err := vcpu.SetSregs(sregs); err != nil {
		t.Fatalf("Failed to set special registers: %v", err)
	}

	again, err := vcpu.GetSregs()
	if err != nil {
		t.Fatalf("Failed to re-read special registers: %v", err)
	}
	if again.CS.Base != 0 || again.CS.Selector != 0 {
		t.Errorf("CS = base 0x%x selector 0x%x, want zeroed", again.CS.Base, again.CS.Selector)
	}
}

func TestMetricsAccounting(t *testing.T) {
	sys := requireSystem(t)

	ResetMetrics()
	defer ResetMetrics()

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("Failed to create VM: %v", err)
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}

	m := GetMetrics()
	if m.VMCreated != 1 {
		t.Errorf("VMCreated = %d, want 1", m.VMCreated)
	}
	if m.VCPUCreated != 1 {
		t.Errorf("VCPUCreated = %d, want 1", m.VCPUCreated)
	}
	if m.RunPageMaps != 1 {
		t.Errorf("RunPageMaps = %d, want 1", m.RunPageMaps)
	}
	if m.AvgVMCreateTimeNs == 0 {
		t.Error("AvgVMCreateTimeNs = 0, want measured duration")
	}

	if err := vcpu.Close(); err != nil {
		t.Errorf("Failed to close vCPU: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Errorf("Failed to close VM: %v", err)
	}

	m = GetMetrics()
	if m.VCPUDestroyed != 1 {
		t.Errorf("VCPUDestroyed = %d, want 1", m.VCPUDestroyed)
	}
	if m.VMDestroyed != 1 {
		t.Errorf("VMDestroyed = %d, want 1", m.VMDestroyed)
	}
	if m.RunPageUnmaps != 1 {
		t.Errorf("RunPageUnmaps = %d, want 1", m.RunPageUnmaps)
	}
}

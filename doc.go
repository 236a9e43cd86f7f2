// Package kvm provides Go bindings for the Linux Kernel-based Virtual
// Machine (KVM) ioctl interface on amd64 systems.
//
// Provides system, VM, and vCPU handles with guest memory slots, register
// access, CPUID management, and execution control, plus safe handling of
// the two tricky KVM data-sharing mechanisms: flexible-array-member
// argument structs (kvm_cpuid2) and the shared per-vCPU kvm_run control
// page.
//
// # Requirements
//
//   - Linux with the kvm module loaded (/dev/kvm present)
//   - amd64 with hardware virtualization (VMX or SVM) enabled in firmware
//   - Read/write access to /dev/kvm (kvm group membership or udev rules)
//
// # Basic Usage
//
// Check if KVM is available:
//
//	supported, err := kvm.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not supported on this system")
//	}
//
// Open the subsystem and create a virtual machine:
//
//	sys, err := kvm.New()
//	if err != nil {
//		log.Fatal("Failed to open /dev/kvm:", err)
//	}
//	defer sys.Close()
//
//	vm, err := sys.CreateVM()
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer vm.Close()
//
// Guest memory management:
//
//	// Back guest physical memory with an anonymous mapping (page-aligned)
//	mem, err := unix.Mmap(-1, 0, 1<<20,
//		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
//	if err != nil {
//		log.Fatal("Failed to mmap guest memory:", err)
//	}
//	defer unix.Munmap(mem)
//
//	err = vm.SetUserMemoryRegion(&kvm.UserspaceMemoryRegion{
//		Slot:          0,
//		GuestPhysAddr: 0x1000,
//		MemorySize:    uint64(len(mem)),
//		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
//	})
//	if err != nil {
//		log.Fatal("Failed to set memory region:", err)
//	}
//
// Create a vCPU and drive it:
//
//	vcpu, err := vm.CreateVCPU(0)
//	if err != nil {
//		log.Fatal("Failed to create vCPU:", err)
//	}
//	defer vcpu.Close()
//
//	regs, _ := vcpu.GetRegs()
//	regs.RIP = 0x1000
//	regs.RFlags = 0x2
//	if err := vcpu.SetRegs(regs); err != nil {
//		log.Fatal("Failed to set registers:", err)
//	}
//
//	for {
//		reason, err := vcpu.Run()
//		if err != nil {
//			log.Fatal("Failed to run vCPU:", err)
//		}
//		switch reason {
//		case kvm.ExitReasonIO:
//			io := vcpu.RunData().IO()
//			fmt.Printf("port 0x%x: %v\n", io.Port, vcpu.IOData())
//		case kvm.ExitReasonHLT:
//			return
//		default:
//			log.Fatalf("unhandled exit: %v", reason)
//		}
//	}
//
// CPUID handling:
//
//	cpuid, err := sys.SupportedCPUID(kvm.MaxCPUIDEntries)
//	if err != nil {
//		log.Fatal("Failed to query CPUID:", err)
//	}
//	for i := range cpuid.Entries() {
//		// adjust leaves here
//		_ = &cpuid.Entries()[i]
//	}
//	if err := vcpu.SetCPUID2(cpuid); err != nil {
//		log.Fatal("Failed to set CPUID:", err)
//	}
//
// # Error Handling
//
// All errors implement the standard Go error interface. KVM-specific
// failures are wrapped in KVMError values carrying the raw errno, so
// errors.Is(err, unix.EPERM) and friends work through the wrapping.
//
// # Resource Management
//
// System, VM, vCPU, and run-page handles must be closed with Close().
// Finalizers provide safety net cleanup. The kvm_run control page of each
// vCPU is unmapped when the vCPU is closed.
//
// # Platform Support
//
// Linux amd64 only. Other platforms compile but return "not supported"
// errors from every entry point.
package kvm

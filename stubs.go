//go:build !linux || !amd64

package kvm

// Supported returns false on platforms without KVM.
func Supported() (bool, error) {
	return false, ErrUnsupportedPlatform
}

// System is a placeholder on platforms without KVM.
type System struct{}

// VM is a placeholder on platforms without KVM.
type VM struct{}

// VCPU is a placeholder on platforms without KVM.
type VCPU struct{}

// RunWrapper is a placeholder on platforms without KVM.
type RunWrapper struct{}

// New returns an error on platforms without KVM.
func New() (*System, error) {
	return nil, ErrUnsupportedPlatform
}

// NewWithPath returns an error on platforms without KVM.
func NewWithPath(path string) (*System, error) {
	return nil, ErrUnsupportedPlatform
}

// NewRunWrapper returns an error on platforms without KVM.
func NewRunWrapper(vcpuFd int, size int) (*RunWrapper, error) {
	return nil, ErrUnsupportedPlatform
}

// Stub implementations for System methods
func (s *System) APIVersion() (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (s *System) CheckExtension(c Capability) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (s *System) VCPUMmapSize() (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (s *System) SupportedCPUID(maxEntries int) (*CPUID, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *System) CreateVM() (*VM, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *System) Close() error {
	return ErrUnsupportedPlatform
}

// Stub implementations for VM methods
func (vm *VM) SetUserMemoryRegion(region *UserspaceMemoryRegion) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	return nil, ErrUnsupportedPlatform
}

func (vm *VM) CreateIRQChip() error {
	return ErrUnsupportedPlatform
}

func (vm *VM) SetTSSAddr(addr uint32) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) Close() error {
	return ErrUnsupportedPlatform
}

// Stub implementations for VCPU methods
func (c *VCPU) Run() (ExitReason, error) {
	return ExitReasonUnknown, ErrUnsupportedPlatform
}

func (c *VCPU) RunData() *RunData {
	return nil
}

func (c *VCPU) IOData() []byte {
	return nil
}

func (c *VCPU) GetRegs() (*Regs, error) {
	return nil, ErrUnsupportedPlatform
}

func (c *VCPU) SetRegs(regs *Regs) error {
	return ErrUnsupportedPlatform
}

func (c *VCPU) GetSregs() (*Sregs, error) {
	return nil, ErrUnsupportedPlatform
}

func (c *VCPU) SetSregs(sregs *Sregs) error {
	return ErrUnsupportedPlatform
}

func (c *VCPU) SetCPUID2(id *CPUID) error {
	return ErrUnsupportedPlatform
}

func (c *VCPU) Close() error {
	return ErrUnsupportedPlatform
}

// Stub implementations for RunWrapper methods
func (r *RunWrapper) Data() *RunData {
	return nil
}

func (r *RunWrapper) IOData() []byte {
	return nil
}

func (r *RunWrapper) Close() error {
	return ErrUnsupportedPlatform
}

package kvm

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring KVM operations
var (
	// Operation counters
	systemOpenCount  uint64
	vmCreateCount    uint64
	vmDestroyCount   uint64
	vcpuCreateCount  uint64
	vcpuDestroyCount uint64
	memRegionOps     uint64
	runPageMaps      uint64
	runPageUnmaps    uint64
	cpuidQueries     uint64
	registerOps      uint64
	runOperations    uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	resourceErrors uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	SystemOpens       uint64 `json:"system_opens"`
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	MemRegionOps      uint64 `json:"mem_region_operations"`
	RunPageMaps       uint64 `json:"run_page_maps"`
	RunPageUnmaps     uint64 `json:"run_page_unmaps"`
	CPUIDQueries      uint64 `json:"cpuid_queries"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	ResourceErrors    uint64 `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	return Metrics{
		SystemOpens:       atomic.LoadUint64(&systemOpenCount),
		VMCreated:         vmCreated,
		VMDestroyed:       atomic.LoadUint64(&vmDestroyCount),
		VCPUCreated:       atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:     atomic.LoadUint64(&vcpuDestroyCount),
		MemRegionOps:      atomic.LoadUint64(&memRegionOps),
		RunPageMaps:       atomic.LoadUint64(&runPageMaps),
		RunPageUnmaps:     atomic.LoadUint64(&runPageUnmaps),
		CPUIDQueries:      atomic.LoadUint64(&cpuidQueries),
		RegisterOps:       atomic.LoadUint64(&registerOps),
		RunOperations:     runOps,
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ResourceErrors:    atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&systemOpenCount, 0)
	atomic.StoreUint64(&vmCreateCount, 0)
	atomic.StoreUint64(&vmDestroyCount, 0)
	atomic.StoreUint64(&vcpuCreateCount, 0)
	atomic.StoreUint64(&vcpuDestroyCount, 0)
	atomic.StoreUint64(&memRegionOps, 0)
	atomic.StoreUint64(&runPageMaps, 0)
	atomic.StoreUint64(&runPageUnmaps, 0)
	atomic.StoreUint64(&cpuidQueries, 0)
	atomic.StoreUint64(&registerOps, 0)
	atomic.StoreUint64(&runOperations, 0)
	atomic.StoreUint64(&totalVMCreateTime, 0)
	atomic.StoreUint64(&totalRunTime, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Internal metric recording functions
func recordSystemOpen() {
	atomic.AddUint64(&systemOpenCount, 1)
}

func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordMemRegionOp() {
	atomic.AddUint64(&memRegionOps, 1)
}

func recordRunPageMap() {
	atomic.AddUint64(&runPageMaps, 1)
}

func recordRunPageUnmap() {
	atomic.AddUint64(&runPageUnmaps, 1)
}

func recordCPUIDQuery() {
	atomic.AddUint64(&cpuidQueries, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}

// Package device samples host resources for device updates and the memory
// pressure gate.
package device

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fragmesh/stornode/internal/storage"
)

type Snapshot struct {
	CPUPercent   float64 `json:"cpu_percent"`
	FreeRAM      uint64  `json:"free_ram"`
	TotalRAM     uint64  `json:"total_ram"`
	StorageFree  uint64  `json:"storage_free"`
	StorageTotal uint64  `json:"storage_total"`
}

type Collector struct {
	probe *storage.Probe
	paths []storage.Path
}

func NewCollector(probe *storage.Probe, paths []storage.Path) *Collector {
	return &Collector{probe: probe, paths: paths}
}

// Snapshot gathers CPU, memory, and storage capacity. Individual probe
// failures leave the corresponding fields zero rather than failing the whole
// sample.
func (c *Collector) Snapshot() Snapshot {
	var snap Snapshot

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.FreeRAM = vm.Available
		snap.TotalRAM = vm.Total
	}

	if free, err := c.probe.TotalAvailable(c.paths); err == nil {
		snap.StorageFree = free
	}
	if total, err := c.probe.TotalCapacity(c.paths); err == nil {
		snap.StorageTotal = total
	}

	return snap
}

// LowMemory reports whether free RAM has dropped below minFreePct percent of
// total. Probe errors read as not-low so a broken probe cannot stall
// transfers.
func LowMemory(minFreePct float64) bool {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return false
	}
	return float64(vm.Available)/float64(vm.Total)*100 < minFreePct
}

// Package sysinfo samples host CPU, memory, disk and load telemetry for
// heartbeats, adaptive throttling and the dynamic worker manager.
package sysinfo

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	CPUPercent        float64
	MemoryUsedMB      uint64
	MemoryTotalMB     uint64
	MemoryPercent     float64
	AvailableMemoryMB uint64
	DiskPercent       float64
	Load1             float64
	Load5             float64
	Load15            float64
}

// Prober samples host telemetry. The function indirection keeps components
// testable without a live /proc.
type Prober func() (Snapshot, error)

// Collect samples the host via gopsutil. Individual probe failures degrade
// to zero values rather than failing the whole snapshot; heartbeats must
// keep flowing on partially broken hosts.
func Collect() (Snapshot, error) {
	var snap Snapshot

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedMB = vm.Used / 1024 / 1024
		snap.MemoryTotalMB = vm.Total / 1024 / 1024
		snap.MemoryPercent = vm.UsedPercent
		snap.AvailableMemoryMB = vm.Available / 1024 / 1024
	}

	if usage, err := disk.Usage("/"); err == nil {
		snap.DiskPercent = usage.UsedPercent
	}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	return snap, nil
}

// Static returns a prober that always reports the given snapshot. Used in
// tests and as a conservative fallback when host telemetry is unavailable.
func Static(snap Snapshot) Prober {
	return func() (Snapshot, error) { return snap, nil }
}

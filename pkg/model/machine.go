package model

import "time"

// Machine is a fleet host providing CPU and RAM to Workers and Supervisors.
type Machine struct {
	UID        string     `json:"uid"`
	HostIP     string     `json:"host_ip"`
	OSInfo     string     `json:"os_info,omitempty"`
	Image      string     `json:"image,omitempty"`
	CPUs       int        `json:"cpus"`
	MemoryMB   int64      `json:"memory_mb"`
	DiskMB     int64      `json:"disk_mb"`
	LastPingAt time.Time  `json:"last_ping_at"`
	DrainedAt  *time.Time `json:"drained_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Finished reports whether the machine has been taken out of service.
func (m *Machine) Finished() bool {
	return m.FinishedAt != nil
}

// Draining reports whether the machine is being drained of workers.
func (m *Machine) Draining() bool {
	return m.DrainedAt != nil
}

// Stale reports whether the machine missed its heartbeat window. cutoff is
// the oldest acceptable ping time.
func (m *Machine) Stale(cutoff time.Time) bool {
	return m.LastPingAt.Before(cutoff)
}

// MachineLoad is a point-in-time utilization snapshot for one machine. It is
// an optimistic estimate: concurrent allocations may observe the same values.
type MachineLoad struct {
	MachineUID  string
	CPUs        int
	MemoryMB    int64
	DrainedAt   *time.Time
	BusyWorkers int
	MemoryUsed  int64
}

// FreeCPU is the machine's core count minus its busy, non-stale workers.
func (l *MachineLoad) FreeCPU() int {
	cpus := l.CPUs
	if cpus == 0 {
		cpus = 2
	}
	return cpus - l.BusyWorkers
}

// MemoryOversubscribed reports whether busy workers have claimed more RAM
// than the machine has.
func (l *MachineLoad) MemoryOversubscribed() bool {
	return l.MemoryUsed > l.MemoryMB
}

// HasRoomFor reports whether the machine can take one more worker needing
// ramMB of memory.
func (l *MachineLoad) HasRoomFor(ramMB int64) bool {
	return l.MemoryUsed+ramMB <= l.MemoryMB && l.FreeCPU() > 0
}

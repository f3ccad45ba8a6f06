// Package models defines the wire-level record shapes pushed by agents and
// the canonical MetricPoint the rest of the system consumes.
package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Measurement names used by the agent payload.
const (
	MeasurementCPU     = "cpu.percent"
	MeasurementMemory  = "mem.percent"
	MeasurementDisk    = "disk"
	MeasurementNetwork = "network"
)

// RawRecord is one metric sample exactly as it arrives from the backend,
// either inside a history response or wrapped in a live stream frame.
// Measurement values are heterogeneous (scalars and lists), so they stay
// raw JSON until the normalizer picks them apart.
type RawRecord struct {
	ServerID  string        `json:"server_id"`
	Timestamp string        `json:"timestamp"`
	Metrics   []Measurement `json:"metrics"`
	Processes []ProcessInfo `json:"processes,omitempty"`
	Meta      *RawMeta      `json:"meta,omitempty"`
}

// Measurement is a single named value in a raw record.
type Measurement struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// RawMeta carries the agent-side derived fields. Numeric fields are pointers
// so the normalizer can distinguish "absent" from zero and fall back to the
// formatted strings.
type RawMeta struct {
	Uptime       *float64      `json:"uptime,omitempty"`
	UptimeDays   *float64      `json:"uptime_days,omitempty"`
	LoadAvg      *LooseFloat   `json:"load_avg,omitempty"`
	DiskPercent  *LooseFloat   `json:"disk_percent,omitempty"`
	NetworkIn    *float64      `json:"network_in,omitempty"`
	NetworkOut   *float64      `json:"network_out,omitempty"`
	NetworkTotal *float64      `json:"network_total,omitempty"`
	DiskRead     *float64      `json:"disk_read,omitempty"`
	DiskWrite    *float64      `json:"disk_write,omitempty"`
	ServerInfo   *ServerInfo   `json:"server_info,omitempty"`
	Formatted    *RawFormatted `json:"formatted,omitempty"`
}

// RawFormatted is the agent's presentation sub-object. Everything here is a
// string (or a loosely typed number the agent stringified).
type RawFormatted struct {
	Name         string     `json:"name,omitempty"`
	OS           string     `json:"os,omitempty"`
	Kernel       string     `json:"kernel,omitempty"`
	RAM          string     `json:"ram,omitempty"`
	CPU          string     `json:"cpu,omitempty"`
	Uptime       string     `json:"uptime,omitempty"`
	LoadAvg      LooseFloat `json:"load_avg,omitempty"`
	DiskPercent  LooseFloat `json:"disk_percent,omitempty"`
	NetworkIn    string     `json:"network_in,omitempty"`
	NetworkOut   string     `json:"network_out,omitempty"`
	NetworkTotal string     `json:"network_total,omitempty"`
	DiskRead     string     `json:"disk_read,omitempty"`
	DiskWrite    string     `json:"disk_write,omitempty"`
}

// DiskVolume is one mounted filesystem's usage.
type DiskVolume struct {
	Mountpoint string  `json:"mountpoint"`
	TotalGB    float64 `json:"total_gb"`
	UsedGB     float64 `json:"used_gb"`
	Percent    float64 `json:"percent"`
}

// NetworkInterface is one address binding reported by the agent.
type NetworkInterface struct {
	Name      string `json:"interface"`
	Address   string `json:"address"`
	Netmask   string `json:"netmask,omitempty"`
	Broadcast string `json:"broadcast,omitempty"`
}

// ProcessInfo is one process row from the optional processes list.
type ProcessInfo struct {
	PID           int     `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ServerInfo holds the static-ish host attributes. Agents omit it on most
// samples, so consumers carry the last seen value forward themselves.
type ServerInfo struct {
	Hostname      string     `json:"hostname"`
	OS            string     `json:"os"`
	OSName        string     `json:"os_name,omitempty"`
	OSVersion     string     `json:"os_version,omitempty"`
	Arch          string     `json:"arch"`
	Cores         int        `json:"cores"`
	MemoryGB      float64    `json:"memory_gb"`
	KernelVersion string     `json:"kernel_version,omitempty"`
	RAMType       string     `json:"ram_type,omitempty"`
	CPUModel      string     `json:"cpu_model,omitempty"`
	CPUSpeed      LooseFloat `json:"cpu_speed,omitempty"`
}

// MetricPoint is the canonical unit of the reconciled series. The timestamp
// is the ordering and deduplication key.
type MetricPoint struct {
	Timestamp         time.Time          `json:"timestamp"`
	CPUPercent        float64            `json:"cpuPercent"`
	MemoryPercent     float64            `json:"memoryPercent"`
	DiskPercent       float64            `json:"diskPercent"`
	DiskVolumes       []DiskVolume       `json:"diskVolumes"`
	NetworkInterfaces []NetworkInterface `json:"networkInterfaces"`
	Processes         []ProcessInfo      `json:"processes"`
	ServerInfo        *ServerInfo        `json:"serverInfo,omitempty"`

	// Derived throughput and presentation fields, passed through from meta.
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	UptimeText     string  `json:"uptime,omitempty"`
	LoadAverage    float64 `json:"loadAverage"`
	DiskReadMB     float64 `json:"diskReadMB"`
	DiskWriteMB    float64 `json:"diskWriteMB"`
	NetworkInMB    float64 `json:"networkInMB"`
	NetworkOutMB   float64 `json:"networkOutMB"`
	NetworkTotalMB float64 `json:"networkTotalMB"`
}

// LooseFloat decodes JSON values that agents emit inconsistently as a number,
// a numeric string, or a placeholder like "N/A". Anything unparsable is zero.
type LooseFloat float64

func (f *LooseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = LooseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = 0
		return nil
	}
	*f = LooseFloat(v)
	return nil
}

func (f LooseFloat) Float64() float64 {
	return float64(f)
}

// Package status derives a coarse health state from the latest reconciled
// point. Classification is a pure function of the point and the clock.
package status

import (
	"time"

	"github.com/team-btg/server-metrics/internal/models"
)

// StaleAfter is the age past which a point signals a likely data-source
// outage rather than a metric-value problem.
const StaleAfter = 120 * time.Second

// Thresholds for the warning and critical bands. The bands overlap, so
// Classify must evaluate them in priority order.
const (
	criticalPercent    = 95
	warningCPUPercent  = 80
	warningMemPercent  = 85
	warningDiskPercent = 90
)

// Status is the derived health state of a monitored host.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusStale    Status = "stale"
	StatusCritical Status = "critical"
	StatusWarning  Status = "warning"
	StatusOnline   Status = "online"
	StatusUnknown  Status = "unknown"
)

// Label returns the display label for the status.
func (s Status) Label() string {
	switch s {
	case StatusLoading:
		return "Loading"
	case StatusStale:
		return "Stale"
	case StatusCritical:
		return "Critical"
	case StatusWarning:
		return "Warning"
	case StatusOnline:
		return "Online"
	default:
		return "Unknown"
	}
}

// Color returns the display color tag for the status.
func (s Status) Color() string {
	switch s {
	case StatusLoading:
		return "gray"
	case StatusStale:
		return "orange"
	case StatusCritical:
		return "red"
	case StatusWarning:
		return "yellow"
	case StatusOnline:
		return "green"
	default:
		return "gray"
	}
}

// Classify maps the latest point to a status using the default staleness
// threshold. First match wins: no point, stale, critical, warning, online,
// unknown.
func Classify(latest *models.MetricPoint, now time.Time) Status {
	return ClassifyWithin(latest, now, StaleAfter)
}

// ClassifyWithin is Classify with an explicit staleness threshold.
func ClassifyWithin(latest *models.MetricPoint, now time.Time, staleAfter time.Duration) Status {
	if latest == nil {
		return StatusLoading
	}
	if staleAfter <= 0 {
		staleAfter = StaleAfter
	}
	if now.Sub(latest.Timestamp) > staleAfter {
		return StatusStale
	}
	if latest.CPUPercent > criticalPercent ||
		latest.MemoryPercent > criticalPercent ||
		latest.DiskPercent > criticalPercent {
		return StatusCritical
	}
	if latest.CPUPercent > warningCPUPercent ||
		latest.MemoryPercent > warningMemPercent ||
		latest.DiskPercent > warningDiskPercent {
		return StatusWarning
	}
	if latest.CPUPercent >= 0 && latest.MemoryPercent >= 0 {
		return StatusOnline
	}
	return StatusUnknown
}

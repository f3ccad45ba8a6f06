// Package normalize converts raw agent records into canonical MetricPoints.
// The conversion is pure and total: missing or malformed optional fields fall
// back to documented defaults, and only an unusable timestamp is an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
	"github.com/team-btg/server-metrics/internal/models"
)

// Timestamp layouts seen on the wire. The backend serializes with Python's
// isoformat(), which omits the zone suffix for naive datetimes; the agent
// sends an explicit Z. Naive timestamps are treated as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Record builds one MetricPoint from one raw record. It returns a
// malformed-record error only when the timestamp is missing or unparseable;
// every other field defaults per its contract.
func Record(rec models.RawRecord) (models.MetricPoint, error) {
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return models.MetricPoint{}, smerrors.WrapMalformedRecord("normalize_record", rec.ServerID, err)
	}

	point := models.MetricPoint{
		Timestamp:         ts,
		CPUPercent:        clampPercent(scalarMeasurement(rec.Metrics, models.MeasurementCPU)),
		MemoryPercent:     clampPercent(scalarMeasurement(rec.Metrics, models.MeasurementMemory)),
		DiskVolumes:       diskMeasurement(rec.Metrics),
		NetworkInterfaces: networkMeasurement(rec.Metrics),
		Processes:         processes(rec.Processes),
	}

	point.DiskPercent = clampPercent(diskPercent(rec.Meta, point.DiskVolumes))
	applyMeta(&point, rec.Meta)

	return point, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// scalarMeasurement returns the named gauge, or 0 when the name is absent or
// the value is not numeric.
func scalarMeasurement(metrics []models.Measurement, name string) float64 {
	raw, ok := findMeasurement(metrics, name)
	if !ok {
		return 0
	}
	var v models.LooseFloat
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v.Float64()
}

func diskMeasurement(metrics []models.Measurement) []models.DiskVolume {
	raw, ok := findMeasurement(metrics, models.MeasurementDisk)
	if !ok {
		return []models.DiskVolume{}
	}
	var volumes []models.DiskVolume
	if err := json.Unmarshal(raw, &volumes); err != nil || volumes == nil {
		return []models.DiskVolume{}
	}
	return volumes
}

func networkMeasurement(metrics []models.Measurement) []models.NetworkInterface {
	raw, ok := findMeasurement(metrics, models.MeasurementNetwork)
	if !ok {
		return []models.NetworkInterface{}
	}
	var interfaces []models.NetworkInterface
	if err := json.Unmarshal(raw, &interfaces); err != nil || interfaces == nil {
		return []models.NetworkInterface{}
	}
	return interfaces
}

func findMeasurement(metrics []models.Measurement, name string) (json.RawMessage, bool) {
	for _, m := range metrics {
		if m.Name == name && len(m.Value) > 0 {
			return m.Value, true
		}
	}
	return nil, false
}

// processes guarantees a non-nil slice so consumers never see null.
func processes(raw []models.ProcessInfo) []models.ProcessInfo {
	if raw == nil {
		return []models.ProcessInfo{}
	}
	return raw
}

// diskPercent prefers the meta gauge, then the formatted fallback, then the
// first reported volume.
func diskPercent(meta *models.RawMeta, volumes []models.DiskVolume) float64 {
	if meta != nil {
		if meta.DiskPercent != nil {
			return meta.DiskPercent.Float64()
		}
		if meta.Formatted != nil && meta.Formatted.DiskPercent != 0 {
			return meta.Formatted.DiskPercent.Float64()
		}
	}
	if len(volumes) > 0 {
		return volumes[0].Percent
	}
	return 0
}

// applyMeta copies the derived throughput and presentation fields. Numeric
// meta fields win; the stringified formatted variants are the fallback.
func applyMeta(point *models.MetricPoint, meta *models.RawMeta) {
	if meta == nil {
		return
	}

	var formatted models.RawFormatted
	if meta.Formatted != nil {
		formatted = *meta.Formatted
	}

	if meta.Uptime != nil {
		point.UptimeSeconds = *meta.Uptime
	}
	point.UptimeText = formatted.Uptime

	if meta.LoadAvg != nil {
		point.LoadAverage = meta.LoadAvg.Float64()
	} else {
		point.LoadAverage = formatted.LoadAvg.Float64()
	}

	point.NetworkInMB = numberOrParsed(meta.NetworkIn, formatted.NetworkIn)
	point.NetworkOutMB = numberOrParsed(meta.NetworkOut, formatted.NetworkOut)
	point.NetworkTotalMB = numberOrParsed(meta.NetworkTotal, formatted.NetworkTotal)
	point.DiskReadMB = numberOrParsed(meta.DiskRead, formatted.DiskRead)
	point.DiskWriteMB = numberOrParsed(meta.DiskWrite, formatted.DiskWrite)

	if meta.ServerInfo != nil {
		info := *meta.ServerInfo
		point.ServerInfo = &info
	}
}

func numberOrParsed(value *float64, fallback string) float64 {
	if value != nil {
		return *value
	}
	return parseLooseNumber(fallback)
}

// parseLooseNumber extracts a leading numeric token from a formatted string
// such as "12.34" or "12.34 MB". Unparsable input yields 0.
func parseLooseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if idx := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != '-' && r != '+'
	}); idx > 0 {
		s = s[:idx]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

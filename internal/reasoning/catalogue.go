package reasoning

import (
	"fmt"
	"sort"
)

// RequirementID names an entry of the requirement catalogue.
type RequirementID string

const (
	CPUMetrics      RequirementID = "cpu_metrics"
	MemoryMetrics   RequirementID = "memory_metrics"
	DiskMetrics     RequirementID = "disk_metrics"
	NetworkMetrics  RequirementID = "network_metrics"
	ErrorLogs       RequirementID = "error_logs"
	PerformanceLogs RequirementID = "performance_logs"
)

// Source is the collector family that serves a requirement.
type Source string

const (
	SourceMetrics Source = "metrics"
	SourceLogs    Source = "logs"
)

// CatalogueEntry describes one collectable requirement.
type CatalogueEntry struct {
	ID          RequirementID `json:"id"`
	Category    string        `json:"category"`
	Source      Source        `json:"source"`
	Description string        `json:"description"`
}

var catalogue = []CatalogueEntry{
	{CPUMetrics, "cpu", SourceMetrics, "CPU utilization, load average and throttling per service"},
	{MemoryMetrics, "memory", SourceMetrics, "Resident memory, heap usage and swap activity"},
	{DiskMetrics, "disk", SourceMetrics, "Disk usage, IOPS and I/O latency"},
	{NetworkMetrics, "network", SourceMetrics, "Throughput, connection counts and network latency"},
	{ErrorLogs, "errors", SourceLogs, "Error and exception log entries"},
	{PerformanceLogs, "performance", SourceLogs, "Slow request and latency log entries"},
}

var catalogueIndex = func() map[RequirementID]CatalogueEntry {
	idx := make(map[RequirementID]CatalogueEntry, len(catalogue))
	for _, e := range catalogue {
		idx[e.ID] = e
	}
	return idx
}()

// Catalogue returns a copy of the requirement catalogue in canonical order.
func Catalogue() []CatalogueEntry {
	out := make([]CatalogueEntry, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the catalogue entry for id.
func Lookup(id RequirementID) (CatalogueEntry, bool) {
	e, ok := catalogueIndex[id]
	return e, ok
}

// ParseRequirementIDs validates raw identifiers against the catalogue and
// removes duplicates, preserving first occurrence order.
func ParseRequirementIDs(raw []string) ([]RequirementID, error) {
	seen := make(map[RequirementID]bool, len(raw))
	out := make([]RequirementID, 0, len(raw))
	for _, r := range raw {
		id := RequirementID(lower(r))
		if _, ok := catalogueIndex[id]; !ok {
			return nil, fmt.Errorf("unknown requirement %q", r)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// SortRequirementIDs orders ids by catalogue position.
func SortRequirementIDs(ids []RequirementID) {
	pos := make(map[RequirementID]int, len(catalogue))
	for i, e := range catalogue {
		pos[e.ID] = i
	}
	sort.SliceStable(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
}

// Package rules rates collected telemetry against configured thresholds.
//
// Metric datasets are rated on the latest sample of each series: above the
// threshold is a warning, above threshold × CriticalFactor is critical. Log
// datasets are rated on level counts. The worst dataset rating becomes the
// system status reported with the answer.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/executor"
	"github.com/kubilitics/kubilitics-reasoner/internal/telemetry"
)

// Severity rates one dataset or finding.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// System status values.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Thresholds configure the evaluator. Percentages are 0-100.
type Thresholds struct {
	CPUPercent           float64
	MemoryPercent        float64
	DiskPercent          float64
	NetworkLatencyMillis float64
	// ErrorCount is the number of error entries at which a log dataset
	// becomes critical.
	ErrorCount     int
	CriticalFactor float64
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:           80,
		MemoryPercent:        85,
		DiskPercent:          90,
		NetworkLatencyMillis: 1000,
		ErrorCount:           10,
		CriticalFactor:       1.5,
	}
}

// Validate reports an unusable threshold.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"cpu_percent":            t.CPUPercent,
		"memory_percent":         t.MemoryPercent,
		"disk_percent":           t.DiskPercent,
		"network_latency_millis": t.NetworkLatencyMillis,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %.2f", name, v)
		}
	}
	if t.ErrorCount < 1 {
		return fmt.Errorf("error_count must be at least 1, got %d", t.ErrorCount)
	}
	if t.CriticalFactor < 1 {
		return fmt.Errorf("critical_factor must be at least 1, got %.2f", t.CriticalFactor)
	}
	return nil
}

// Finding is one threshold breach.
type Finding struct {
	Requirement reasoning.RequirementID `json:"requirement"`
	Severity    Severity                `json:"severity"`
	Subject     string                  `json:"subject"`
	Value       float64                 `json:"value"`
	Threshold   float64                 `json:"threshold"`
}

// String renders f for prompts and plain answers.
func (f Finding) String() string {
	if isLog(f.Requirement) {
		return fmt.Sprintf("[%s] %s: %.0f %s", f.Severity, f.Requirement, f.Value, f.Subject)
	}
	return fmt.Sprintf("[%s] %s %s at %.2f (threshold %.2f)", f.Severity, f.Requirement, f.Subject, f.Value, f.Threshold)
}

// Assessment is the rating of one execution result.
type Assessment struct {
	SystemStatus    string                               `json:"system_status"`
	Datasets        map[reasoning.RequirementID]Severity `json:"datasets"`
	Findings        []Finding                            `json:"findings,omitempty"`
	Recommendations []string                             `json:"recommendations,omitempty"`
}

// Count returns the number of findings with severity s.
func (a *Assessment) Count(s Severity) int {
	var n int
	for _, f := range a.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// Evaluator rates datasets.
type Evaluator struct {
	th Thresholds
}

// New creates an Evaluator. Zero thresholds take their default.
func New(th Thresholds) *Evaluator {
	def := DefaultThresholds()
	if th.CPUPercent <= 0 {
		th.CPUPercent = def.CPUPercent
	}
	if th.MemoryPercent <= 0 {
		th.MemoryPercent = def.MemoryPercent
	}
	if th.DiskPercent <= 0 {
		th.DiskPercent = def.DiskPercent
	}
	if th.NetworkLatencyMillis <= 0 {
		th.NetworkLatencyMillis = def.NetworkLatencyMillis
	}
	if th.ErrorCount <= 0 {
		th.ErrorCount = def.ErrorCount
	}
	if th.CriticalFactor < 1 {
		th.CriticalFactor = def.CriticalFactor
	}
	return &Evaluator{th: th}
}

// Thresholds returns the thresholds in effect.
func (e *Evaluator) Thresholds() Thresholds { return e.th }

// Evaluate rates every collected dataset of res. It returns nil when nothing
// was collected.
func (e *Evaluator) Evaluate(res *executor.ExecutionResult) *Assessment {
	if res == nil {
		return nil
	}
	var a *Assessment
	worst := SeverityHealthy
	for _, o := range res.Succeeded() {
		if o.Data == nil {
			continue
		}
		if a == nil {
			a = &Assessment{Datasets: make(map[reasoning.RequirementID]Severity)}
		}
		sev, findings := e.Dataset(o.Data)
		a.Datasets[o.Requirement] = sev
		a.Findings = append(a.Findings, findings...)
		if sev.rank() > worst.rank() {
			worst = sev
		}
	}
	if a == nil {
		return nil
	}

	sort.SliceStable(a.Findings, func(i, j int) bool {
		return a.Findings[i].Severity.rank() > a.Findings[j].Severity.rank()
	})
	for _, f := range a.Findings {
		a.Recommendations = append(a.Recommendations, recommend(f))
	}
	switch worst {
	case SeverityCritical:
		a.SystemStatus = StatusCritical
	case SeverityWarning:
		a.SystemStatus = StatusWarning
	default:
		a.SystemStatus = StatusOK
	}
	return a
}

// Dataset rates one dataset and returns its breaches.
func (e *Evaluator) Dataset(ds *telemetry.Dataset) (Severity, []Finding) {
	switch ds.Source {
	case reasoning.SourceMetrics:
		return e.metrics(ds)
	case reasoning.SourceLogs:
		return e.logs(ds)
	}
	return SeverityHealthy, nil
}

func (e *Evaluator) metrics(ds *telemetry.Dataset) (Severity, []Finding) {
	limit, match := e.metricRule(ds.Requirement)
	if limit <= 0 {
		return SeverityHealthy, nil
	}
	worst := SeverityHealthy
	var out []Finding
	for _, s := range ds.Series {
		if len(s.Points) == 0 || !strings.Contains(strings.ToLower(s.Metric), match) {
			continue
		}
		last := s.Stats().Last
		sev := e.rate(last, limit)
		if sev == SeverityHealthy {
			continue
		}
		out = append(out, Finding{
			Requirement: ds.Requirement,
			Severity:    sev,
			Subject:     s.Metric,
			Value:       last,
			Threshold:   limit,
		})
		if sev.rank() > worst.rank() {
			worst = sev
		}
	}
	return worst, out
}

// metricRule returns the threshold for id and the substring a series name
// must contain to be rated.
func (e *Evaluator) metricRule(id reasoning.RequirementID) (float64, string) {
	switch id {
	case reasoning.CPUMetrics:
		return e.th.CPUPercent, ""
	case reasoning.MemoryMetrics:
		return e.th.MemoryPercent, ""
	case reasoning.DiskMetrics:
		return e.th.DiskPercent, ""
	case reasoning.NetworkMetrics:
		return e.th.NetworkLatencyMillis, "latency"
	}
	return 0, ""
}

func (e *Evaluator) rate(v, limit float64) Severity {
	switch {
	case v > limit*e.th.CriticalFactor:
		return SeverityCritical
	case v > limit:
		return SeverityWarning
	}
	return SeverityHealthy
}

func (e *Evaluator) logs(ds *telemetry.Dataset) (Severity, []Finding) {
	var critical, errs, warns int
	for _, entry := range ds.Entries {
		switch strings.ToLower(entry.Level) {
		case "critical", "crit", "fatal", "panic":
			critical++
		case "error", "err":
			errs++
		case "warning", "warn":
			warns++
		}
	}

	id := ds.Requirement
	switch {
	case critical > 0:
		return SeverityCritical, logFinding(id, SeverityCritical, "critical entries", critical, 0)
	case errs >= e.th.ErrorCount:
		return SeverityCritical, logFinding(id, SeverityCritical, "error entries", errs, e.th.ErrorCount)
	case errs > 0:
		return SeverityWarning, logFinding(id, SeverityWarning, "error entries", errs, e.th.ErrorCount)
	case warns > 0:
		return SeverityWarning, logFinding(id, SeverityWarning, "warning entries", warns, 0)
	}
	return SeverityHealthy, nil
}

func logFinding(id reasoning.RequirementID, sev Severity, subject string, n, limit int) []Finding {
	return []Finding{{Requirement: id, Severity: sev, Subject: subject, Value: float64(n), Threshold: float64(limit)}}
}

func isLog(id reasoning.RequirementID) bool {
	e, ok := reasoning.Lookup(id)
	return ok && e.Source == reasoning.SourceLogs
}

func recommend(f Finding) string {
	if isLog(f.Requirement) {
		if f.Severity == SeverityCritical {
			return fmt.Sprintf("Investigate %.0f %s in %s now", f.Value, f.Subject, f.Requirement)
		}
		return fmt.Sprintf("Review %.0f %s in %s", f.Value, f.Subject, f.Requirement)
	}
	if f.Severity == SeverityCritical {
		return fmt.Sprintf("Scale up or shed load: %s is at %.2f, over %.2f", f.Subject, f.Value, f.Threshold)
	}
	return fmt.Sprintf("Monitor %s closely: %.2f is above %.2f", f.Subject, f.Value, f.Threshold)
}

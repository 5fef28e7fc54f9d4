package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// StructuralError reports a payload whose shape does not match what the
// requirement's source expects.
type StructuralError struct {
	Requirement reasoning.RequirementID
	Reason      string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: structural mismatch: %s", e.Requirement, e.Reason)
}

func (e *StructuralError) Unwrap() error { return reasoning.ErrStructural }

// Point is one metric sample.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is one labelled metric time series.
type Series struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`
	Points []Point           `json:"points"`
}

// SeriesStats summarizes a Series.
type SeriesStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Last  float64 `json:"last"`
}

// LogEntry is one log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
}

// Dataset is the canonical form of a collected requirement.
type Dataset struct {
	Requirement reasoning.RequirementID `json:"requirement"`
	Source      reasoning.Source        `json:"source"`
	Series      []Series                `json:"series,omitempty"`
	Entries     []LogEntry              `json:"entries,omitempty"`
}

// Normalize converts a raw provider payload into a Dataset. The payload must
// be a mapping, or bytes/string holding a JSON object. Metric payloads require
// "series"; log payloads require "entries".
func Normalize(id reasoning.RequirementID, source reasoning.Source, raw any) (*Dataset, error) {
	m, err := asMapping(id, raw)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{Requirement: id, Source: source}
	switch source {
	case reasoning.SourceMetrics:
		ds.Series, err = parseSeries(id, m)
	case reasoning.SourceLogs:
		ds.Entries, err = parseEntries(id, m)
	default:
		err = &StructuralError{Requirement: id, Reason: fmt.Sprintf("unknown source %q", source)}
	}
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func asMapping(id reasoning.RequirementID, raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return decodeMapping(id, v)
	case []byte:
		return decodeMapping(id, v)
	case string:
		return decodeMapping(id, []byte(v))
	case []any:
		return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf("expected mapping, got list of %d items", len(v))}
	case nil:
		return nil, &StructuralError{Requirement: id, Reason: "empty payload"}
	}
	return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf("expected mapping, got %T", raw)}
}

func decodeMapping(id reasoning.RequirementID, b []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, &StructuralError{Requirement: id, Reason: "payload is not valid JSON"}
	}
	if _, ok := v.(string); ok {
		return nil, &StructuralError{Requirement: id, Reason: "expected mapping, got string"}
	}
	return asMapping(id, v)
}

func parseSeries(id reasoning.RequirementID, m map[string]any) ([]Series, error) {
	rawSeries, ok := m["series"]
	if !ok {
		return nil, &StructuralError{Requirement: id, Reason: `missing field "series"`}
	}
	list, ok := rawSeries.([]any)
	if !ok {
		return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf(`field "series" is %T, want list`, rawSeries)}
	}

	out := make([]Series, 0, len(list))
	for i, item := range list {
		sm, ok := item.(map[string]any)
		if !ok {
			return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf("series[%d] is %T, want mapping", i, item)}
		}
		s := Series{Labels: stringMap(sm["labels"])}
		s.Metric, _ = sm["metric"].(string)
		if s.Metric == "" {
			s.Metric = string(id)
		}
		pts, ok := sm["points"].([]any)
		if !ok {
			return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf(`series[%d] missing list field "points"`, i)}
		}
		for j, p := range pts {
			pt, err := parsePoint(p)
			if err != nil {
				return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf("series[%d].points[%d]: %v", i, j, err)}
			}
			s.Points = append(s.Points, pt)
		}
		out = append(out, s)
	}
	return out, nil
}

// parsePoint accepts [timestamp, value] pairs and {"timestamp","value"} maps.
func parsePoint(p any) (Point, error) {
	var ts, val any
	switch v := p.(type) {
	case []any:
		if len(v) != 2 {
			return Point{}, fmt.Errorf("pair has %d elements", len(v))
		}
		ts, val = v[0], v[1]
	case map[string]any:
		ts, val = v["timestamp"], v["value"]
	default:
		return Point{}, fmt.Errorf("unsupported point %T", p)
	}

	t, err := parseTime(ts)
	if err != nil {
		return Point{}, err
	}
	f, err := parseFloat(val)
	if err != nil {
		return Point{}, err
	}
	return Point{Timestamp: t, Value: f}, nil
}

func parseEntries(id reasoning.RequirementID, m map[string]any) ([]LogEntry, error) {
	rawEntries, ok := m["entries"]
	if !ok {
		return nil, &StructuralError{Requirement: id, Reason: `missing field "entries"`}
	}
	list, ok := rawEntries.([]any)
	if !ok {
		return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf(`field "entries" is %T, want list`, rawEntries)}
	}

	out := make([]LogEntry, 0, len(list))
	for i, item := range list {
		em, ok := item.(map[string]any)
		if !ok {
			return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf("entries[%d] is %T, want mapping", i, item)}
		}
		e := LogEntry{}
		e.Message, _ = em["message"].(string)
		if e.Message == "" {
			return nil, &StructuralError{Requirement: id, Reason: fmt.Sprintf(`entries[%d] missing field "message"`, i)}
		}
		e.Level, _ = em["level"].(string)
		e.Level = strings.ToLower(e.Level)
		e.Service, _ = em["service"].(string)
		if ts, ok := em["timestamp"]; ok {
			e.Timestamp, _ = parseTime(ts)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return parseTime(f)
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return parseTime(f)
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case time.Time:
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
}

func parseFloat(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	case int64:
		return float64(f), nil
	case json.Number:
		return f.Float64()
	case string:
		return strconv.ParseFloat(f, 64)
	}
	return 0, fmt.Errorf("unsupported value %T", v)
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out
}

// Stats summarizes the points of s.
func (s Series) Stats() SeriesStats {
	st := SeriesStats{Count: len(s.Points)}
	if st.Count == 0 {
		return st
	}
	st.Min, st.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, p := range s.Points {
		sum += p.Value
		st.Min = math.Min(st.Min, p.Value)
		st.Max = math.Max(st.Max, p.Value)
	}
	st.Avg = sum / float64(st.Count)
	st.Last = s.Points[len(s.Points)-1].Value
	return st
}

// LevelCounts counts log entries per level. Entries without a level count as
// "unknown".
func (d *Dataset) LevelCounts() map[string]int {
	out := make(map[string]int)
	for _, e := range d.Entries {
		lvl := e.Level
		if lvl == "" {
			lvl = "unknown"
		}
		out[lvl]++
	}
	return out
}

// Describe renders a compact textual summary of the dataset.
func (d *Dataset) Describe() string {
	var sb strings.Builder
	switch d.Source {
	case reasoning.SourceMetrics:
		if len(d.Series) == 0 {
			return "no samples in window"
		}
		for _, s := range d.Series {
			st := s.Stats()
			fmt.Fprintf(&sb, "%s%s: avg %.2f, min %.2f, max %.2f, last %.2f (%d points)\n",
				s.Metric, renderLabels(s.Labels), st.Avg, st.Min, st.Max, st.Last, st.Count)
		}
	case reasoning.SourceLogs:
		if len(d.Entries) == 0 {
			return "no log entries in window"
		}
		counts := d.LevelCounts()
		levels := make([]string, 0, len(counts))
		for l := range counts {
			levels = append(levels, l)
		}
		sort.Strings(levels)
		parts := make([]string, 0, len(levels))
		for _, l := range levels {
			parts = append(parts, fmt.Sprintf("%s: %d", l, counts[l]))
		}
		fmt.Fprintf(&sb, "%d entries (%s)\n", len(d.Entries), strings.Join(parts, ", "))
		for i, e := range d.Entries {
			if i == 5 {
				fmt.Fprintf(&sb, "... %d more\n", len(d.Entries)-5)
				break
			}
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Level, e.Message)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

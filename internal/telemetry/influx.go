package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// InfluxConfig configures InfluxProvider.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// ServiceTag is the tag that holds the service name, "service" by default.
	ServiceTag string
	// Fields maps requirements onto measurement/field pairs. Defaults follow
	// Telegraf input plugin names.
	Fields map[reasoning.RequirementID]MeasurementField
}

// MeasurementField selects one InfluxDB measurement field.
type MeasurementField struct {
	Measurement string
	Field       string
}

var defaultInfluxFields = map[reasoning.RequirementID]MeasurementField{
	reasoning.CPUMetrics:     {Measurement: "cpu", Field: "usage_user"},
	reasoning.MemoryMetrics:  {Measurement: "mem", Field: "used_percent"},
	reasoning.DiskMetrics:    {Measurement: "disk", Field: "used_percent"},
	reasoning.NetworkMetrics: {Measurement: "net", Field: "bytes_recv"},
}

// InfluxProvider serves metric requirements from InfluxDB 2.x.
type InfluxProvider struct {
	client influxdb2.Client
	cfg    InfluxConfig
}

// NewInfluxProvider creates a provider. The client connects lazily.
func NewInfluxProvider(cfg InfluxConfig) (*InfluxProvider, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url, org and bucket are required")
	}
	if cfg.ServiceTag == "" {
		cfg.ServiceTag = "service"
	}
	if cfg.Fields == nil {
		cfg.Fields = defaultInfluxFields
	}
	return &InfluxProvider{client: influxdb2.NewClient(cfg.URL, cfg.Token), cfg: cfg}, nil
}

// Close releases the underlying client.
func (p *InfluxProvider) Close() { p.client.Close() }

// FetchMetrics runs a Flux query for q and returns {"series": [...]}.
func (p *InfluxProvider) FetchMetrics(ctx context.Context, q Query) (any, error) {
	flux, err := p.buildFlux(q)
	if err != nil {
		return nil, err
	}

	result, err := p.client.QueryAPI(p.cfg.Org).Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query %s: %w", q.Requirement, err)
	}
	defer result.Close()

	payload := seriesPayload(result)
	if result.Err() != nil {
		return nil, fmt.Errorf("influx result %s: %w", q.Requirement, result.Err())
	}
	return payload, nil
}

func (p *InfluxProvider) buildFlux(q Query) (string, error) {
	mf, ok := p.cfg.Fields[q.Requirement]
	if !ok {
		return "", fmt.Errorf("%w: no influx mapping for %s", ErrUnavailable, q.Requirement)
	}
	window := q.Window
	if window <= 0 {
		window = time.Hour
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "from(bucket: %q)\n", p.cfg.Bucket)
	fmt.Fprintf(&sb, "  |> range(start: -%s)\n", fluxDuration(window))
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r._measurement == %q and r._field == %q)\n", mf.Measurement, mf.Field)

	services := q.Services
	if q.ServiceID != "" {
		services = append([]string{q.ServiceID}, services...)
	}
	if len(services) > 0 {
		conds := make([]string, 0, len(services))
		for _, s := range services {
			conds = append(conds, fmt.Sprintf("r[%q] == %q", p.cfg.ServiceTag, s))
		}
		fmt.Fprintf(&sb, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	fmt.Fprintf(&sb, "  |> aggregateWindow(every: %s, fn: mean, createEmpty: false)", fluxDuration(aggregateEvery(window)))
	return sb.String(), nil
}

// aggregateEvery keeps roughly 60 points per series.
func aggregateEvery(window time.Duration) time.Duration {
	every := (window / 60).Truncate(time.Minute)
	if every < time.Minute {
		every = time.Minute
	}
	return every
}

func fluxDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

// recordIterator is the subset of *api.QueryTableResult used to read rows.
type recordIterator interface {
	Next() bool
	Record() *query.FluxRecord
}

// seriesPayload groups Flux records into the metrics payload shape.
func seriesPayload(it recordIterator) map[string]any {
	type acc struct {
		metric string
		labels map[string]any
		points []any
	}
	groups := map[string]*acc{}
	var order []string

	for it.Next() {
		rec := it.Record()
		labels := map[string]any{}
		for k, v := range rec.Values() {
			if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
				continue
			}
			labels[k] = fmt.Sprint(v)
		}
		metric := rec.Measurement() + "." + rec.Field()
		key := metric + "|" + labelKey(labels)
		g, ok := groups[key]
		if !ok {
			g = &acc{metric: metric, labels: labels}
			groups[key] = g
			order = append(order, key)
		}
		v, ok := toFloat(rec.Value())
		if !ok {
			continue
		}
		g.points = append(g.points, []any{float64(rec.Time().Unix()), v})
	}

	series := make([]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		series = append(series, map[string]any{
			"metric": g.metric,
			"labels": g.labels,
			"points": g.points,
		})
	}
	return map[string]any{"series": series}
}

func labelKey(labels map[string]any) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, labels[k])
	}
	return sb.String()
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int64:
		return float64(f), true
	case uint64:
		return float64(f), true
	}
	return 0, false
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kubilitics/kubilitics-reasoner/internal/integration/backend"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// HTTPProvider fetches metrics and logs from a REST telemetry backend:
//
//	GET {base}/api/v1/telemetry/metrics?requirement=cpu_metrics&service=api&window=1h0m0s
//	GET {base}/api/v1/telemetry/logs?requirement=error_logs&service=api&window=1h0m0s
//
// The response body is returned undecoded beyond JSON; Normalize validates it.
type HTTPProvider struct {
	client *backend.Client
}

// NewHTTPProvider creates a provider on top of a backend client.
func NewHTTPProvider(client *backend.Client) *HTTPProvider {
	return &HTTPProvider{client: client}
}

func (p *HTTPProvider) FetchMetrics(ctx context.Context, q Query) (any, error) {
	return p.fetch(ctx, "/api/v1/telemetry/metrics", q)
}

func (p *HTTPProvider) FetchLogs(ctx context.Context, q Query) (any, error) {
	return p.fetch(ctx, "/api/v1/telemetry/logs", q)
}

func (p *HTTPProvider) fetch(ctx context.Context, path string, q Query) (any, error) {
	params := url.Values{}
	params.Set("requirement", string(q.Requirement))
	if q.ServiceID != "" {
		params.Set("service", q.ServiceID)
	}
	if len(q.Services) > 0 {
		params.Set("targets", strings.Join(q.Services, ","))
	}
	if q.Window > 0 {
		params.Set("window", q.Window.String())
	}

	var out any
	if err := p.client.Get(ctx, path, params, q.Credential, &out); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", reasoning.ErrAuthentication, err)
		}
		return nil, err
	}
	return out, nil
}

/*
 * Sandbox VM Manager - Monitoring Proxy
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package monitoring

import (
	"context"
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
)

// Metric kinds exposed per VM.
const (
	KindCPU    = "cpu"
	KindMemory = "memory"
	KindDisk   = "disk"
)

// Step sizing: one sample per five minutes for a one-hour range, stretched
// linearly up to a four-week range so responses stay a manageable size.
const (
	minRange = time.Hour
	maxRange = 4 * 7 * 24 * time.Hour
	minStep  = 300 * time.Second
	maxStep  = 9676 * time.Second
)

// Proxy answers per-VM usage queries from a Prometheus server scraping the
// hypervisors. VM identity is the provider instance ID; this service never
// stores samples itself.
type Proxy struct {
	api    promv1.API
	logger *logger.Logger
}

func NewProxy(prometheusURL string, log *logger.Logger) (*Proxy, error) {
	client, err := promapi.NewClient(promapi.Config{Address: prometheusURL})
	if err != nil {
		return nil, svcerrors.WrapInternalError(err, "monitoring_init", "invalid Prometheus address")
	}
	return &Proxy{api: promv1.NewAPI(client), logger: log}, nil
}

// QueryRange returns usage samples for one instance over [start, end].
func (p *Proxy) QueryRange(ctx context.Context, instanceID, kind string, start, end time.Time) (model.Value, error) {
	if instanceID == "" {
		return nil, svcerrors.NewValidationError("metrics", "VM has no provider instance")
	}
	if !end.After(start) {
		return nil, svcerrors.NewValidationError("metrics", "end must be after start")
	}

	query, err := queryFor(kind, instanceID)
	if err != nil {
		return nil, err
	}

	value, warnings, err := p.api.QueryRange(ctx, query, promv1.Range{
		Start: start,
		End:   end,
		Step:  stepFor(end.Sub(start)),
	})
	if err != nil {
		return nil, svcerrors.WrapProviderUnavailableError(err, "metrics", "monitoring backend unreachable")
	}
	for _, warning := range warnings {
		p.logger.WithComponent("monitoring").WithField("warning", warning).Warn("Prometheus query warning")
	}
	return value, nil
}

func queryFor(kind, instanceID string) (string, error) {
	switch kind {
	case KindCPU:
		return fmt.Sprintf(`avg(rate(libvirt_domain_info_cpu_time_seconds_total{uuid=%q}[10m])) * 100`, instanceID), nil
	case KindMemory:
		return fmt.Sprintf(`libvirt_domain_info_memory_usage_bytes{uuid=%q}`, instanceID), nil
	case KindDisk:
		return fmt.Sprintf(`sum(libvirt_domain_block_stats_allocation{uuid=%q})`, instanceID), nil
	}
	return "", svcerrors.NewValidationError("metrics", "unknown metric kind").WithContext("kind", kind)
}

// stepFor interpolates the query step linearly across the supported range,
// clamped at both ends.
func stepFor(span time.Duration) time.Duration {
	if span <= minRange {
		return minStep
	}
	if span >= maxRange {
		return maxStep
	}
	frac := float64(span-minRange) / float64(maxRange-minRange)
	return minStep + time.Duration(frac*float64(maxStep-minStep))
}

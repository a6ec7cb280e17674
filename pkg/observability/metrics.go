// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records operational counters for the orchestrator.
type Metrics interface {
	RecordStageExecution(ctx context.Context, stage string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordSession(ctx context.Context, duration time.Duration, stages int, err error)
}

// PrometheusMetrics implements Metrics over OpenTelemetry instruments
// exported through the Prometheus registry.
type PrometheusMetrics struct {
	stageDuration    metric.Float64Histogram
	stageErrorsTotal metric.Int64Counter

	llmDuration    metric.Float64Histogram
	llmCallsTotal  metric.Int64Counter
	llmErrorsTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	sessionDuration metric.Float64Histogram
	sessionsTotal   metric.Int64Counter
	sessionStages   metric.Int64Counter
}

// InitMetrics wires an OpenTelemetry meter provider into the given
// Prometheus registry and returns a PrometheusMetrics recorder.
func InitMetrics(registry *prometheus.Registry) (*PrometheusMetrics, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("conductor")

	m := &PrometheusMetrics{}

	if m.stageDuration, err = meter.Float64Histogram("conductor_stage_duration_seconds"); err != nil {
		return nil, err
	}
	if m.stageErrorsTotal, err = meter.Int64Counter("conductor_stage_errors_total"); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("conductor_llm_duration_seconds"); err != nil {
		return nil, err
	}
	if m.llmCallsTotal, err = meter.Int64Counter("conductor_llm_calls_total"); err != nil {
		return nil, err
	}
	if m.llmErrorsTotal, err = meter.Int64Counter("conductor_llm_errors_total"); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("conductor_tool_duration_seconds"); err != nil {
		return nil, err
	}
	if m.toolCallsTotal, err = meter.Int64Counter("conductor_tool_calls_total"); err != nil {
		return nil, err
	}
	if m.toolErrorsTotal, err = meter.Int64Counter("conductor_tool_errors_total"); err != nil {
		return nil, err
	}
	if m.sessionDuration, err = meter.Float64Histogram("conductor_session_duration_seconds"); err != nil {
		return nil, err
	}
	if m.sessionsTotal, err = meter.Int64Counter("conductor_sessions_total"); err != nil {
		return nil, err
	}
	if m.sessionStages, err = meter.Int64Counter("conductor_session_stages_total"); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordStageExecution(ctx context.Context, stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.stageErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordSession(ctx context.Context, duration time.Duration, stages int, err error) {
	if m == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.sessionDuration.Record(ctx, duration.Seconds(), attrs)
	m.sessionsTotal.Add(ctx, 1, attrs)
	m.sessionStages.Add(ctx, int64(stages), attrs)
}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder, which may
// be nil when metrics are disabled.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

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

// Package observability provides the telemetry hooks emitted by the
// orchestrator: paired start/stop spans per instrumented event, backed by
// OpenTelemetry, plus Prometheus metrics.
//
// Every instrumented code path starts a span and ends it exactly once on
// both success and failure; tests assert the pairing with the Recorder
// implementation.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented event names. Implementations must keep these stable; they
// are part of the operational surface.
const (
	EventAgentExecution = "agent_execution"
	EventDAGPlanning    = "dag_planning"
	EventStageExecution = "stage_execution"
	EventLLMCall        = "llm_call"
	EventToolExecution  = "tool_execution"
)

// Attrs carries span metadata. Values should be scalars or short strings.
type Attrs map[string]any

// Span is one live span. End must be called exactly once.
type Span interface {
	End(attrs Attrs)
}

// Hooks starts spans for instrumented events.
type Hooks interface {
	Start(ctx context.Context, event string, attrs Attrs) (context.Context, Span)
}

// ----------------------------------------------------------------------------
// Noop
// ----------------------------------------------------------------------------

type noopSpan struct{}

func (noopSpan) End(Attrs) {}

// NoopHooks discards all telemetry.
type NoopHooks struct{}

func (NoopHooks) Start(ctx context.Context, event string, attrs Attrs) (context.Context, Span) {
	return ctx, noopSpan{}
}

// ----------------------------------------------------------------------------
// OpenTelemetry
// ----------------------------------------------------------------------------

// OtelHooks emits spans through an OpenTelemetry tracer.
type OtelHooks struct {
	tracer trace.Tracer
}

func NewOtelHooks(tracer trace.Tracer) *OtelHooks {
	return &OtelHooks{tracer: tracer}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(attrs Attrs) {
	s.span.SetAttributes(toKeyValues(attrs)...)
	s.span.End()
}

func (h *OtelHooks) Start(ctx context.Context, event string, attrs Attrs) (context.Context, Span) {
	ctx, span := h.tracer.Start(ctx, event, trace.WithAttributes(toKeyValues(attrs)...))
	return ctx, otelSpan{span: span}
}

func toKeyValues(attrs Attrs) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			kvs = append(kvs, attribute.String(k, v))
		case bool:
			kvs = append(kvs, attribute.Bool(k, v))
		case int:
			kvs = append(kvs, attribute.Int(k, v))
		case int64:
			kvs = append(kvs, attribute.Int64(k, v))
		case float64:
			kvs = append(kvs, attribute.Float64(k, v))
		case []string:
			kvs = append(kvs, attribute.StringSlice(k, v))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return kvs
}

// ----------------------------------------------------------------------------
// Recorder (test support)
// ----------------------------------------------------------------------------

// RecordedSpan is one captured start/stop pair.
type RecordedSpan struct {
	Event      string
	StartAttrs Attrs
	StopAttrs  Attrs
	Ended      bool
}

// Recorder captures spans in memory so tests can assert pairing and
// metadata.
type Recorder struct {
	mu    sync.Mutex
	spans []*RecordedSpan
}

func NewRecorder() *Recorder { return &Recorder{} }

type recorderSpan struct {
	rec  *Recorder
	span *RecordedSpan
}

func (s recorderSpan) End(attrs Attrs) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.span.StopAttrs = attrs
	s.span.Ended = true
}

func (r *Recorder) Start(ctx context.Context, event string, attrs Attrs) (context.Context, Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := &RecordedSpan{Event: event, StartAttrs: attrs}
	r.spans = append(r.spans, span)
	return ctx, recorderSpan{rec: r, span: span}
}

// Spans returns a snapshot of all captured spans.
func (r *Recorder) Spans() []RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedSpan, 0, len(r.spans))
	for _, s := range r.spans {
		out = append(out, *s)
	}
	return out
}

// ByEvent returns captured spans for one event name.
func (r *Recorder) ByEvent(event string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range r.Spans() {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// AllEnded reports whether every started span was ended.
func (r *Recorder) AllEnded() bool {
	for _, s := range r.Spans() {
		if !s.Ended {
			return false
		}
	}
	return true
}

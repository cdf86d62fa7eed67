// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys of monitoring spans.
const (
	MIDKey       = attribute.Key("mid.id")
	ReserveKey   = attribute.Key("mid.reserve")
	ClientKey    = attribute.Key("mid.client")
	EventKey     = attribute.Key("mid.event")
	ThresholdKey = attribute.Key("mid.threshold")
	RotatedKey   = attribute.Key("mid.rotated")
	SocketsKey   = attribute.Key("mbm.sockets")
	ReadersKey   = attribute.Key("mbm.readers")
)

// MID returns an attribute for a monitoring identifier. MID 0 marks an
// unassigned identifier.
func MID(key attribute.Key, id uint32) attribute.KeyValue {
	return key.Int64(int64(id))
}

// Threshold returns an attribute for a dirtiness threshold in hardware
// scale units.
func Threshold(units uint64) attribute.KeyValue {
	return ThresholdKey.Int64(int64(units))
}

// SpanStartOption is applied to a Span in StartSpan.
type SpanStartOption func(*spanOptions)

// SpanEndOption is applied to a Span in Span.End.
type SpanEndOption func(*Span)

type spanOptions struct {
	options []trace.SpanStartOption
}

// WithAttributes sets initial attributes of a Span.
func WithAttributes(attrs ...attribute.KeyValue) SpanStartOption {
	return func(o *spanOptions) {
		o.options = append(o.options, trace.WithAttributes(attrs...))
	}
}

// WithStatus sets the status of the Span when it ends.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span wraps an opentelemetry span. The zero Span, returned while tracing
// is disabled, ignores all calls.
type Span struct {
	otel trace.Span
}

// StartSpan starts a new Span, a child of any Span in ctx. It must be
// ended with Span.End().
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	if !trc.active.Load() {
		return ctx, &Span{}
	}

	o := &spanOptions{}
	for _, fn := range opts {
		fn(o)
	}

	t := trc.tracer()
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		t = parent.TracerProvider().Tracer(trc.service)
	}

	ctx, span := t.Start(ctx, name, o.options...)
	return ctx, &Span{otel: span}
}

// Recording returns true if the Span records data.
func (s *Span) Recording() bool {
	return !s.noop() && s.otel.IsRecording()
}

// SetStatus marks the Span failed with err, or successful for nil.
func (s *Span) SetStatus(err error) {
	if s.noop() {
		return
	}

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
		return
	}

	s.otel.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s.noop() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// AddEvent records a named event, such as a discarded read, in the Span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	if s.noop() {
		return
	}
	s.otel.AddEvent(name, trace.WithAttributes(attrs...))
}

// End the Span.
func (s *Span) End(opts ...SpanEndOption) {
	if s.noop() {
		return
	}

	for _, o := range opts {
		o(s)
	}

	s.otel.End()
}

func (s *Span) noop() bool {
	return s == nil || s.otel == nil
}

// Attribute returns an attribute with the given key and value. Unsigned
// counters are stored as int64, values of other types as strings.
func Attribute(key string, value any) attribute.KeyValue {
	k := attribute.Key(key)

	switch v := value.(type) {
	case nil:
		return k.String("<nil>")
	case string:
		return k.String(v)
	case []string:
		return k.StringSlice(v)
	case bool:
		return k.Bool(v)
	case int:
		return k.Int(v)
	case int64:
		return k.Int64(v)
	case uint32:
		return k.Int64(int64(v))
	case uint64:
		return k.Int64(int64(v))
	case []int:
		return k.IntSlice(v)
	case float64:
		return k.Float64(v)
	case fmt.Stringer:
		return k.String(v.String())
	}

	return k.String(fmt.Sprintf("%v", value))
}

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

package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	. "github.com/containers/mid-monitor/pkg/instrumentation/tracing"
)

type stringer struct{}

func (stringer) String() string { return "stringer" }

func TestAttribute(t *testing.T) {
	for _, tc := range []struct {
		value    any
		expected attribute.Value
	}{
		{nil, attribute.StringValue("<nil>")},
		{"foo", attribute.StringValue("foo")},
		{[]string{"a", "b"}, attribute.StringSliceValue([]string{"a", "b"})},
		{true, attribute.BoolValue(true)},
		{7, attribute.IntValue(7)},
		{int64(-1), attribute.Int64Value(-1)},
		{uint32(3), attribute.Int64Value(3)},
		{uint64(5), attribute.Int64Value(5)},
		{[]int{0, 2}, attribute.IntSliceValue([]int{0, 2})},
		{1.5, attribute.Float64Value(1.5)},
		{stringer{}, attribute.StringValue("stringer")},
		{struct{ A int }{1}, attribute.StringValue("{1}")},
	} {
		kv := Attribute("key", tc.value)
		require.Equal(t, attribute.Key("key"), kv.Key)
		require.Equal(t, tc.expected, kv.Value, "%v", tc.value)
	}
}

func TestMonitoringAttributes(t *testing.T) {
	kv := MID(ReserveKey, 7)
	require.Equal(t, ReserveKey, kv.Key)
	require.Equal(t, int64(7), kv.Value.AsInt64())

	kv = Threshold(12)
	require.Equal(t, ThresholdKey, kv.Key)
	require.Equal(t, int64(12), kv.Value.AsInt64())
}

func TestDisabledSpans(t *testing.T) {
	Stop()
	require.False(t, Enabled())

	ctx, span := StartSpan(context.Background(), "test", WithAttributes(MID(MIDKey, 1)))
	require.NotNil(t, span)
	require.False(t, span.Recording())
	span.SetAttributes(Attribute("b", 2))
	span.AddEvent("stale-read", MID(MIDKey, 1))
	span.End(WithStatus(errors.New("failed")))

	require.Equal(t, context.Background(), ctx)
}

func TestStartStop(t *testing.T) {
	require.Error(t, Start(WithSamplingRatio(2)))
	require.False(t, Enabled())

	require.NoError(t, Start(WithCollectorEndpoint("")))
	require.False(t, Enabled(), "no collector endpoint")

	require.NoError(t, Start(WithCollectorEndpoint("otlp-http"), WithSamplingRatio(0)))
	require.False(t, Enabled(), "zero sampling ratio")

	require.Error(t, Start(WithCollectorEndpoint("ftp://localhost:21"), WithSamplingRatio(1)))
	require.False(t, Enabled())

	require.NoError(t, Start(
		WithServiceName("mid-monitor-test"),
		WithCollectorEndpoint("otlp-http"),
		WithSamplingRatio(1),
	))
	require.True(t, Enabled())

	ctx, parent := StartSpan(context.Background(), "parent",
		WithAttributes(Threshold(3)))
	require.True(t, parent.Recording())
	_, child := StartSpan(ctx, "child")
	require.True(t, child.Recording())
	child.AddEvent("stale-read", MID(MIDKey, 2))
	child.SetStatus(nil)
	child.End()
	parent.End()

	Stop()
	require.False(t, Enabled())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cloneindex.index")

// =============================================================================
// Prometheus Metrics for the Clone Index Store
// =============================================================================

var (
	// operationDuration measures index operation latency.
	// Labels: operation (insert, by_origin, by_hashes, remove, ...), status (ok, error)
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloneindex",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Clone index store operation latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"operation", "status"})

	// chunksTotal counts chunks written, read, or removed.
	// Labels: operation
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloneindex",
		Subsystem: "store",
		Name:      "chunks_total",
		Help:      "Total chunks processed by the clone index store",
	}, []string{"operation"})
)

// Operation names used as metric labels and span names.
const (
	opSetOption = "set_option"
	opGetOption = "get_option"
	opInsert    = "insert"
	opByOrigin  = "by_origin"
	opByHashes  = "by_hashes"
	opRemove    = "remove"
	opReplace   = "replace"
	opStats     = "stats"
)

// startOp opens a span for an index operation.
func startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "index."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

// endOp records the outcome of an operation on its span and metrics.
func endOp(span trace.Span, op string, start time.Time, chunks int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if chunks > 0 {
		chunksTotal.WithLabelValues(op).Add(float64(chunks))
	}
	span.SetAttributes(attribute.Int("index.chunks", chunks))
	operationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	span.End()
}

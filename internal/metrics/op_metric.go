// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// OpMetric tracks counts and latencies of harness operations: remote
// commands, cluster admin commands and whole test scenarios.
//
// OpMetric creates three metric sets:
//   - A CounterVec with the given name, label "result", and any additional labels.
//     Start increments it with "result"="all", and Failed/Skipped/Result
//     increment it with the matching result.
//   - A SummaryVec with the given name + "_latency". End observes the latency
//     unless a non-"all" result was recorded first.
//   - A GaugeVec with the given name + "_pending" counting operations between
//     Start and End.
//
// Suggested usage:
//
//	op := metrics.AdminOps.Start("mds_fail")
//	defer op.EndWithError(&err)
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

var (
	// AdminOps measures cluster admin commands, labelled by command.
	AdminOps = NewOpMetric("testfs_admin_ops", "op")

	// RemoteOps measures remote command executions, labelled by host.
	RemoteOps = NewOpMetric("testfs_remote_ops", "host")

	// Scenarios measures test scenarios, labelled by suite and test name.
	Scenarios = NewOpMetric("testfs_scenarios", "suite", "test")
)

// NewOpMetric returns a new op metric registered with the default registry.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Op {
	op := &Op{opm: m, values: values}
	op.Result("all")
	op.start = time.Now()
	m.pending.WithLabelValues(values...).Inc()
	return op
}

// Count returns the counter value for the given result and label values.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	mtr := m.counters.WithLabelValues(append([]string{result}, values...)...)
	var value dto.Metric
	if mtr.Write(&value) != nil || value.Counter == nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns how many operations with the given labels are in flight.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil || value.Gauge == nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns latency and outcome information for the given labels.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	return out + fmt.Sprintf(" / %d failed / %d skipped / %d pending",
		m.Count("failed", values...), m.Count("skipped", values...), m.Pending(values...))
}

// Op is a single measured operation.
type Op struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (op *Op) Failed() {
	op.Result("failed")
}

// Skipped records that the operation did not run.
func (op *Op) Skipped() {
	op.Result("skipped")
}

// Result records an arbitrary result. Latency is not observed afterwards.
func (op *Op) Result(result string) {
	op.start = time.Time{}
	op.opm.counters.WithLabelValues(append([]string{result}, op.values...)...).Inc()
}

// End records the elapsed time since Start.
func (op *Op) End() {
	if !op.start.IsZero() {
		op.opm.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
	op.opm.pending.WithLabelValues(op.values...).Dec()
}

// EndWithError calls Failed if *err is non-nil, then End. It takes a pointer
// so it can be deferred against a named return value.
func (op *Op) EndWithError(err *error) {
	if err != nil && *err != nil {
		op.Failed()
	}
	op.End()
}

// SummaryString formats the count and quantiles of a summary observer.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3fs;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}

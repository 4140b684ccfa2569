// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	dropped     *prometheus.CounterVec
	reassembled prometheus.Counter
	tcpRewrites prometheus.Counter
}

// newMetrics returns the scrubber's metrics, registering them and gauges
// over stats with reg if it is non-nil.
func newMetrics(reg prometheus.Registerer, stats func() (fragEntries, rangeEntries int)) (*metrics, error) {
	m := &metrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrub_dropped_packets_total",
			Help: "Datagrams dropped by the scrubber, by reason.",
		}, []string{"reason"}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrub_reassembled_total",
			Help: "Datagrams rebuilt from buffered fragments.",
		}),
		tcpRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrub_tcp_rewrites_total",
			Help: "TCP segments modified by normalization.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	collectors := []prometheus.Collector{
		m.dropped,
		m.reassembled,
		m.tcpRewrites,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scrub_frag_entries",
			Help: "Buffered fragment entries outstanding.",
		}, func() float64 {
			n, _ := stats()
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scrub_range_entries",
			Help: "Range cache entries outstanding.",
		}, func() float64 {
			_, n := stats()
			return float64(n)
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering scrub metrics: %w", err)
		}
	}
	return m, nil
}

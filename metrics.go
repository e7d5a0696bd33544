package main

import (
	"net/http"
	"sync/atomic"
	"time"
)

type RequestMetrics struct {
	total        atomic.Int64
	succeeded    atomic.Int64
	clientErrors atomic.Int64
	unavailable  atomic.Int64
	serverErrors atomic.Int64
	objects      atomic.Int64
	totalLatency atomic.Int64
}

type RequestStats struct {
	Total          int64   `json:"requests_total"`
	Succeeded      int64   `json:"requests_succeeded"`
	ClientErrors   int64   `json:"requests_client_errors"`
	Unavailable    int64   `json:"requests_unavailable"`
	ServerErrors   int64   `json:"requests_server_errors"`
	Objects        int64   `json:"objects_detected"`
	AvgLatencyMsec float64 `json:"avg_latency_ms"`
}

func (m *RequestMetrics) RecordSuccess(objects int, latency time.Duration) {
	m.total.Add(1)
	m.succeeded.Add(1)
	m.objects.Add(int64(objects))
	m.totalLatency.Add(latency.Microseconds())
}

func (m *RequestMetrics) RecordFailure(status int) {
	m.total.Add(1)
	switch {
	case status == http.StatusServiceUnavailable:
		m.unavailable.Add(1)
	case status >= http.StatusInternalServerError:
		m.serverErrors.Add(1)
	default:
		m.clientErrors.Add(1)
	}
}

func (m *RequestMetrics) Snapshot() RequestStats {
	stats := RequestStats{
		Total:        m.total.Load(),
		Succeeded:    m.succeeded.Load(),
		ClientErrors: m.clientErrors.Load(),
		Unavailable:  m.unavailable.Load(),
		ServerErrors: m.serverErrors.Load(),
		Objects:      m.objects.Load(),
	}
	if stats.Succeeded > 0 {
		stats.AvgLatencyMsec = float64(m.totalLatency.Load()) / float64(stats.Succeeded) / 1000
	}
	return stats
}

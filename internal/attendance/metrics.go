package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_scans_total",
		Help: "Verification scans by outcome kind.",
	}, []string{"kind"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiosk_scan_duration_seconds",
		Help:    "Time from capture to interpreted outcome.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

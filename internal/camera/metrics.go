package camera

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kiosk_camera_sessions_active",
	Help: "Camera sessions currently held by kiosk views.",
})

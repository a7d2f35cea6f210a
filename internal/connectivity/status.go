// Package connectivity tracks whether the recognition backend answered the
// last verification request.
package connectivity

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var reachableGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kiosk_backend_reachable",
	Help: "1 when the last verification reached the recognition service, 0 otherwise.",
})

// Status is the process-wide "backend reachable" flag. It starts out true.
type Status struct {
	down atomic.Bool
}

// NewStatus returns a flag reporting the backend as reachable.
func NewStatus() *Status {
	reachableGauge.Set(1)
	return &Status{}
}

// Reachable reports the current value of the flag.
func (s *Status) Reachable() bool {
	return !s.down.Load()
}

// Set records the outcome of the latest transport attempt.
func (s *Status) Set(reachable bool) {
	if prev := !s.down.Swap(!reachable); prev != reachable {
		log.Info().Bool("reachable", reachable).Msg("backend connectivity changed")
	}
	if reachable {
		reachableGauge.Set(1)
	} else {
		reachableGauge.Set(0)
	}
}

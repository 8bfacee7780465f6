package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_passes_total",
		Help: "Rotation passes executed.",
	})
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetrotate_pass_duration_seconds",
		Help:    "Wall time of rotation passes.",
		Buckets: prometheus.DefBuckets,
	})
	wavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_waves_total",
		Help: "Rotation waves started, scheduled and manual.",
	})
	promotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_promotions_total",
		Help: "Devices promoted to pending rotation.",
	})
	confirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_confirmations_total",
		Help: "Rotations confirmed by devices.",
	})
	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_timeouts_total",
		Help: "Pending rotations that expired unconfirmed.",
	})
	restoreFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetrotate_restore_failures_total",
		Help: "Failed attempts to restore a previous secret at the provider.",
	})
	devicesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetrotate_devices",
		Help: "Devices by rotation state.",
	}, []string{"state"})
)

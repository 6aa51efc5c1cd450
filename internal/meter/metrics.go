package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by every Reader in the process; series are labelled by
// meter ID. A nil *Metrics records nothing.
type Metrics struct {
	fetches    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reachable  *prometheus.GaugeVec
	stale      *prometheus.GaugeVec
}

const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultFailed   = "fetch_error"
	resultEmpty    = "empty_response"
)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterreader_refresh_total",
			Help: "Cache refreshes by outcome.",
		}, []string{"meter", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterreader_rejections_total",
			Help: "Samples rejected by validation, by reason.",
		}, []string{"meter", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterreader_refresh_duration_seconds",
			Help:    "Time spent resolving, fetching and validating one refresh.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"meter"}),
		reachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterreader_reachable",
			Help: "1 when the last refresh reached the meter.",
		}, []string{"meter"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterreader_stale",
			Help: "1 while the previous sample is served because the latest was rejected.",
		}, []string{"meter"}),
	}

	reg.MustRegister(m.fetches, m.rejections, m.latency, m.reachable, m.stale)
	return m
}

func (m *Metrics) observeRefresh(meter, result string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(meter, result).Inc()
	m.latency.WithLabelValues(meter).Observe(seconds)
}

func (m *Metrics) observeRejection(meter string, err error) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(meter, rejectionReason(err)).Inc()
}

func (m *Metrics) setFlags(meter string, reachable, stale bool) {
	if m == nil {
		return
	}
	m.reachable.WithLabelValues(meter).Set(boolToFloat(reachable))
	m.stale.WithLabelValues(meter).Set(boolToFloat(stale))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrEnergyMissing):
		return "energy_missing"
	case errors.Is(err, ErrEnergyJump):
		return "energy_jump"
	case errors.Is(err, ErrPowerMissing):
		return "power_missing"
	case errors.Is(err, ErrPowerMismatch):
		return "power_mismatch"
	default:
		return "other"
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

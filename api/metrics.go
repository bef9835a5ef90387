package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a registry owned by the Handler so that several
// handlers (one per test) never collide on the default registry.
type metrics struct {
	registry *prometheus.Registry

	redemptions      prometheus.Counter
	redemptionPoints prometheus.Counter
	resyncCodes      prometheus.Counter
	driftReports     prometheus.Counter
	migrations       *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		redemptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "referral_redemptions_total",
			Help: "Redemption events recorded through the API.",
		}),
		redemptionPoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "referral_redemption_points_total",
			Help: "Points awarded by redemptions recorded through the API.",
		}),
		resyncCodes: factory.NewCounter(prometheus.CounterOpts{
			Name: "referral_resync_codes_total",
			Help: "Codes whose reward rate was changed by a resync.",
		}),
		driftReports: factory.NewCounter(prometheus.CounterOpts{
			Name: "referral_drift_reports_total",
			Help: "Codes found with a summary that disagrees with the event log.",
		}),
		migrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_migration_runs_total",
			Help: "Legacy migration runs by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

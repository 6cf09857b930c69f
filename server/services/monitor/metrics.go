package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requeuedRunsCnt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "requeued_runs_total",
		Help:      "Total number of runs requeued because the worker never acknowledged them",
	})

	stuckRunsCnt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "stuck_runs_total",
		Help:      "Total number of runs failed by the stuck-run sweep",
	})

	cancelledRunsCnt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "cancelled_runs_total",
		Help:      "Total number of cancelling runs swept to FAILED",
	})

	offlineWorkersCnt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "offline_workers_total",
		Help:      "Total number of workers marked offline for missing pings",
	})

	activeSurgesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "active_surges",
		Help:      "Number of host tags currently under surge",
	})

	queuedRunsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobserv",
		Subsystem: "monitor",
		Name:      "queued_runs",
		Help:      "Number of queued runs per host tag",
	}, []string{"host_tag"})
)

func init() {
	prometheus.MustRegister(requeuedRunsCnt)
	prometheus.MustRegister(stuckRunsCnt)
	prometheus.MustRegister(cancelledRunsCnt)
	prometheus.MustRegister(offlineWorkersCnt)
	prometheus.MustRegister(activeSurgesGauge)
	prometheus.MustRegister(queuedRunsGauge)
}

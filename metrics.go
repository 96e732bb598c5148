package crudodb

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	storeLabel   = "store"
	outcomeLabel = "outcome"
	opLabel      = "op"
	changeLabel  = "change"
)

type metrics struct {
	syncs       *prometheus.CounterVec
	pushes      *prometheus.CounterVec
	pulls       *prometheus.CounterVec
	remoteFails *prometheus.CounterVec
	syncDur     *prometheus.HistogramVec
}

// newMetrics builds the collectors and registers them with reg if it is not
// nil. Collectors already registered by another DB are reused.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crudodb_syncs_total",
			Help: "Count of store syncs by outcome (ok, skipped, error)",
		}, []string{storeLabel, outcomeLabel}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crudodb_pushed_rows_total",
			Help: "Count of dirty rows pushed during sync by outcome (ok, failed)",
		}, []string{storeLabel, outcomeLabel}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crudodb_pulled_rows_total",
			Help: "Count of local rows changed by the pull phase (created, updated, purged, rebased)",
		}, []string{storeLabel, changeLabel}),
		remoteFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crudodb_remote_failures_total",
			Help: "Count of remote calls that failed or were rejected",
		}, []string{storeLabel, opLabel}),
		syncDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crudodb_sync_duration_seconds",
			Help:    "Duration of store syncs that reached the remote",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{storeLabel}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.syncs, err = register(reg, m.syncs)
	if err != nil {
		return nil, err
	}
	m.pushes, err = register(reg, m.pushes)
	if err != nil {
		return nil, err
	}
	m.pulls, err = register(reg, m.pulls)
	if err != nil {
		return nil, err
	}
	m.remoteFails, err = register(reg, m.remoteFails)
	if err != nil {
		return nil, err
	}
	m.syncDur, err = register(reg, m.syncDur)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *metrics) syncDone(rep *SyncReport) {
	switch {
	case rep.Err != nil:
		m.syncs.WithLabelValues(rep.Key, "error").Inc()
	case rep.Skipped:
		m.syncs.WithLabelValues(rep.Key, "skipped").Inc()
		return
	default:
		m.syncs.WithLabelValues(rep.Key, "ok").Inc()
	}
	m.syncDur.WithLabelValues(rep.Key).Observe(rep.Duration.Seconds())
	m.pushes.WithLabelValues(rep.Key, "ok").Add(float64(rep.Pushed))
	m.pushes.WithLabelValues(rep.Key, "failed").Add(float64(rep.PushFailed))
	m.pulls.WithLabelValues(rep.Key, "created").Add(float64(rep.Created))
	m.pulls.WithLabelValues(rep.Key, "updated").Add(float64(rep.Updated))
	m.pulls.WithLabelValues(rep.Key, "purged").Add(float64(rep.Purged))
	m.pulls.WithLabelValues(rep.Key, "rebased").Add(float64(rep.Rebased))
}

func (m *metrics) remoteFailure(store, op string) {
	m.remoteFails.WithLabelValues(store, op).Inc()
}

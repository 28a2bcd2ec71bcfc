package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of tasks launched into the waiting table.",
		}, []string{"cmd"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Number of run_task calls that did not produce a child.",
		}, []string{"cmd", "reason"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "registrations_total",
			Help:      "Number of register calls by outcome.",
		}, []string{"outcome"},
	)
	unlinks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "unlinks_total",
			Help:      "Number of unlink calls by outcome.",
		}, []string{"outcome"},
	)
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "terminations_total",
			Help:      "Number of SIGTERMs sent, by source table.",
		}, []string{"table"},
	)
	tableSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Current number of entries per registry table.",
		}, []string{"table"},
	)
	registryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "errors_total",
			Help:      "Number of failed registry transactions.",
		}, []string{"op"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Number of dispatched commands by channel and status code.",
		}, []string{"channel", "command", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a dispatched command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "command"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{spawns, spawnFailures, registrations, unlinks, signals, tableSize, registryErrors, requests, requestDuration}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(cmd string) {
	if regOK.Load() {
		spawns.WithLabelValues(cmd).Inc()
	}
}

func IncSpawnFailure(cmd, reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(cmd, reason).Inc()
	}
}

func IncRegister(outcome string) {
	if regOK.Load() {
		registrations.WithLabelValues(outcome).Inc()
	}
}

func IncUnlink(outcome string) {
	if regOK.Load() {
		unlinks.WithLabelValues(outcome).Inc()
	}
}

func IncTerminate(table string) {
	if regOK.Load() {
		signals.WithLabelValues(table).Inc()
	}
}

func SetTableSize(table string, n int) {
	if regOK.Load() {
		tableSize.WithLabelValues(table).Set(float64(n))
	}
}

func IncRegistryError(op string) {
	if regOK.Load() {
		registryErrors.WithLabelValues(op).Inc()
	}
}

func ObserveRequest(channel, command string, code int, seconds float64) {
	if regOK.Load() {
		requests.WithLabelValues(channel, command, strconv.Itoa(code)).Inc()
		requestDuration.WithLabelValues(channel, command).Observe(seconds)
	}
}

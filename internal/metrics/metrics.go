// Package metrics define los collectors Prometheus del servicio.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyTotal cuenta verificaciones por resultado (ok | <error kind>).
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shakend",
		Name:      "verify_total",
		Help:      "STIR/SHAKEN verifications by result.",
	}, []string{"result"})

	// SignTotal cuenta firmas por resultado.
	SignTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shakend",
		Name:      "sign_total",
		Help:      "STIR/SHAKEN signings by result.",
	}, []string{"result"})

	// KeyFetchTotal cuenta descargas de claves públicas por outcome.
	KeyFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shakend",
		Name:      "key_fetch_total",
		Help:      "Public key downloads by outcome (ok | error).",
	}, []string{"outcome"})

	// KeyFetchDuration mide la latencia de descarga de claves.
	KeyFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shakend",
		Name:      "key_fetch_duration_seconds",
		Help:      "Latency of public key downloads.",
		Buckets:   prometheus.DefBuckets,
	})

	// CachedKeys expone cuántas URLs de claves conoce el índice.
	CachedKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shakend",
		Name:      "cached_keys",
		Help:      "Number of public key URLs currently indexed.",
	})
)

// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plyline_uploads_total",
		Help: "Photo writes processed, partitioned by outcome.",
	}, []string{"outcome"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plyline_batches_total",
		Help: "Upload batches finished, partitioned by final state.",
	}, []string{"state"})

	PackagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plyline_packages_total",
		Help: "Packaging passes, partitioned by outcome.",
	}, []string{"outcome"})

	FreeDiskBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plyline_upload_volume_free_bytes",
		Help: "Free space on the volume hosting the upload root.",
	})
)

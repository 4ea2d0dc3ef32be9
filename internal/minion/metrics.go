// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Prometheus counters/gauges for the minion, grounded on the
// cluster-labelled CounterVec pattern in
// internal/runner/objectstore.go's cacheHits/cacheMisses.

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scife_minion_jobs_submitted_total",
			Help: "Number of batch jobs submitted via qsub.",
		},
		[]string{"minion", "kind"},
	)
	jobsCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scife_minion_jobs_cleaned_total",
			Help: "Number of batch jobs removed via qdel.",
		},
		[]string{"minion"},
	)
	instancesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scife_minion_instances_active",
			Help: "Number of instances currently tracked by the minion.",
		},
		[]string{"minion"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scife_minion_transport_errors_total",
			Help: "Number of SSH transport failures, keyed by error kind.",
		},
		[]string{"minion", "kind"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmitted, jobsCleaned, instancesActive, transportErrors)
}

package service

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

func metricLabels() prometheus.Labels {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "judge-service"
	}
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return prometheus.Labels{"service": service, "instance": instance}
}

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_jobs_total",
			Help: "Judge jobs handled by workers, by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "judge_job_duration_seconds",
			Help:    "Handler duration of one judge attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	pendingTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "judge_pending_time_seconds",
			Help:    "Time between enqueue and the start of an attempt in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	webhookTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_webhook_total",
			Help: "Completion webhook decisions",
		},
		[]string{"decision"},
	)

	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judge_tasks_created_total",
			Help: "Task creation requests, by result",
		},
		[]string{"result"},
	)

	// LiveSubscribers tracks open notification streams. The stream controller
	// updates it.
	LiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "judge_live_subscribers",
			Help: "Open notification stream connections",
		},
	)

	metricsOnce sync.Once
)

// InitMetrics registers the judge metrics with the default registry.
// Calling it more than once is a no-op.
func InitMetrics() {
	metricsOnce.Do(func() {
		reg := prometheus.WrapRegistererWith(metricLabels(), prometheus.DefaultRegisterer)
		reg.MustRegister(jobsTotal)
		reg.MustRegister(jobDuration)
		reg.MustRegister(pendingTime)
		reg.MustRegister(webhookTotal)
		reg.MustRegister(tasksCreated)
		reg.MustRegister(LiveSubscribers)
	})
}

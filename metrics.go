package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diplomacy_messages_delivered_total",
		Help: "Total diplomatic messages delivered to a civ owner",
	})
	sendsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diplomacy_sends_denied_total",
		Help: "Total send attempts that did not deliver, by reason",
	}, []string{"reason"})
	mailboxFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diplomacy_mailbox_failures_total",
		Help: "Total failed posts to the GM mailbox sink",
	})
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(messagesDelivered, sendsDenied, mailboxFailures, httpRequestsTotal, httpRequestDuration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

package heron

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_smtpserver_connection_total",
			Help: "Incoming SMTP connections by outcome.",
		},
		[]string{
			"result", // accepted, limit, ratelimit
		},
	)
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_smtpserver_sessions",
			Help: "Currently open SMTP sessions.",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_smtpserver_command_duration_seconds",
			Help:    "SMTP server command duration and reply codes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
			"ecode",
		},
	)
	metricThrottle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_smtpserver_throttle_total",
			Help: "Sessions that crossed an abuse-guard threshold.",
		},
		[]string{
			"counter", // bad, noop, helo, vrfy, etrn
		},
	)
	metricAuth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_smtpserver_auth_total",
			Help: "SMTP AUTH attempts by mechanism and result.",
		},
		[]string{
			"mech",
			"result", // ok, badcreds, aborted, error
		},
	)
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_smtpserver_message_total",
			Help: "Messages after DATA by outcome.",
		},
		[]string{
			"result", // accepted, discarded, rejected, tempfail, toolarge
		},
	)
	metricMessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heron_smtpserver_message_size_bytes",
			Help:    "Size of accepted messages.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	JobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_started_total",
			Help: "Total dispatch jobs accepted",
		},
	)

	JobRecipients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_job_recipients",
			Help: "Recipient count of the current job",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(JobsStarted)
	prometheus.MustRegister(JobRecipients)
}

// Package metrics defines the Prometheus collectors for challenge lifecycle
// and HTTP traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChallengesStarted   prometheus.Counter
	ChallengesArchived  prometheus.Counter
	ChallengesAbandoned prometheus.Counter
	MilestonesFired     *prometheus.CounterVec
	MilestonesMissed    *prometheus.CounterVec
	CheckIns            *prometheus.CounterVec
	TicksDropped        prometheus.Counter
	StorageErrors       *prometheus.CounterVec
	GuestMigrations     *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	AuthRejections      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChallengesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "m24_challenges_started_total",
			Help: "Challenges started",
		}),
		ChallengesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "m24_challenges_archived_total",
			Help: "Challenges archived with an outcome",
		}),
		ChallengesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "m24_challenges_abandoned_total",
			Help: "Challenges discarded before completion",
		}),
		MilestonesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m24_milestones_fired_total",
			Help: "Milestone nudges emitted",
		}, []string{"milestone"}),
		MilestonesMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m24_milestones_missed_total",
			Help: "Milestones recorded without a nudge because they were crossed too long ago",
		}, []string{"milestone"}),
		CheckIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m24_checkins_total",
			Help: "Check-ins recorded",
		}, []string{"mood"}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "m24_ticks_dropped_total",
			Help: "Timer ticks dropped because the previous tick was still running",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m24_storage_errors_total",
			Help: "Persistence failures",
		}, []string{"backend", "op"}),
		GuestMigrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m24_guest_migrations_total",
			Help: "Guest to account migrations",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_rejections_total",
			Help: "Total number of unauthorized requests",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChallengesStarted, m.ChallengesArchived, m.ChallengesAbandoned,
			m.MilestonesFired, m.MilestonesMissed, m.CheckIns, m.TicksDropped,
			m.StorageErrors, m.GuestMigrations,
			m.HTTPRequests, m.HTTPDuration, m.AuthRejections,
		)
	}
	return m
}

func (m *Metrics) Started() {
	if m != nil {
		m.ChallengesStarted.Inc()
	}
}

func (m *Metrics) Archived() {
	if m != nil {
		m.ChallengesArchived.Inc()
	}
}

func (m *Metrics) Abandoned() {
	if m != nil {
		m.ChallengesAbandoned.Inc()
	}
}

func (m *Metrics) MilestoneFired(milestone int) {
	if m != nil {
		m.MilestonesFired.WithLabelValues(strconv.Itoa(milestone)).Inc()
	}
}

func (m *Metrics) MilestoneMissed(milestone int) {
	if m != nil {
		m.MilestonesMissed.WithLabelValues(strconv.Itoa(milestone)).Inc()
	}
}

func (m *Metrics) CheckIn(mood string) {
	if m != nil {
		m.CheckIns.WithLabelValues(mood).Inc()
	}
}

func (m *Metrics) TickDropped() {
	if m != nil {
		m.TicksDropped.Inc()
	}
}

func (m *Metrics) StorageError(backend, op string) {
	if m != nil {
		m.StorageErrors.WithLabelValues(backend, op).Inc()
	}
}

func (m *Metrics) Migration(result string) {
	if m != nil {
		m.GuestMigrations.WithLabelValues(result).Inc()
	}
}

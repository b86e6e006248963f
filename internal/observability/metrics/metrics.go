package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking wizard.
type BookingMetrics struct {
	stepsServed     *prometheus.CounterVec
	stepsSaved      *prometheus.CounterVec
	referralUploads *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submitDuration  prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		stepsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sleepstudy",
			Subsystem: "booking",
			Name:      "steps_served_total",
			Help:      "Booking steps served, by step and whether a prerequisite gate redirected the request",
		}, []string{"step", "outcome"}),
		stepsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sleepstudy",
			Subsystem: "booking",
			Name:      "steps_saved_total",
			Help:      "Booking step saves",
		}, []string{"step", "status"}),
		referralUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sleepstudy",
			Subsystem: "booking",
			Name:      "referral_uploads_total",
			Help:      "Referral document uploads",
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sleepstudy",
			Subsystem: "booking",
			Name:      "submissions_total",
			Help:      "Final booking submissions",
		}, []string{"status"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sleepstudy",
			Subsystem: "booking",
			Name:      "submit_duration_seconds",
			Help:      "Latency of the booking commit",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.stepsServed, m.stepsSaved, m.referralUploads, m.submissions, m.submitDuration)
	return m
}

func (m *BookingMetrics) ObserveStepServed(step, outcome string) {
	if m == nil {
		return
	}
	m.stepsServed.WithLabelValues(step, outcome).Inc()
}

func (m *BookingMetrics) ObserveStepSaved(step, status string) {
	if m == nil {
		return
	}
	m.stepsSaved.WithLabelValues(step, status).Inc()
}

func (m *BookingMetrics) ObserveReferralUpload(status string) {
	if m == nil {
		return
	}
	m.referralUploads.WithLabelValues(status).Inc()
}

func (m *BookingMetrics) ObserveSubmission(status string, seconds float64) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
	m.submitDuration.Observe(seconds)
}

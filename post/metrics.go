package post

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts post activity. A nil *Metrics records nothing.
type Metrics struct {
	postsCreated   prometheus.Counter
	requests       *prometheus.CounterVec
	searchResults  prometheus.Histogram
	imagesUploaded prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carpool",
			Name:      "posts_created_total",
			Help:      "Driver posts created",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carpool",
			Name:      "post_requests_total",
			Help:      "Rider requests to join a post, by outcome",
		}, []string{"outcome"}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "search_results",
			Help:      "Number of posts returned per search",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		imagesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carpool",
			Name:      "post_images_uploaded_total",
			Help:      "Post images uploaded to object storage",
		}),
	}
	reg.MustRegister(m.postsCreated, m.requests, m.searchResults, m.imagesUploaded)
	return m
}

func (m *Metrics) created() {
	if m == nil {
		return
	}
	m.postsCreated.Inc()
}

func (m *Metrics) requested(err error) {
	if m == nil {
		return
	}
	outcome := "matched"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrInvalidState):
		outcome = "not_open"
	default:
		outcome = "error"
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) searched(n int) {
	if m == nil {
		return
	}
	m.searchResults.Observe(float64(n))
}

func (m *Metrics) imageUploaded() {
	if m == nil {
		return
	}
	m.imagesUploaded.Inc()
}

package onebot

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"strconv"
	"time"
)

const (
	metricsNamespace     = "onebot"
	metricsUnmatchedPath = "unmatched"
)

// grant sources, used as the "source" label on XP metrics
const (
	grantSourceMessage  = "message"
	grantSourcePresence = "presence"
	grantSourceAdmin    = "admin"
)

// Metrics holds the bot's Prometheus collectors. Each OneBot has its own
// registry, so multiple instances (as in tests) don't collide.
type Metrics struct {
	registry *prometheus.Registry

	XPGranted         *prometheus.CounterVec
	LevelUps          prometheus.Counter
	GrantsDropped     *prometheus.CounterVec
	MembersRegistered prometheus.Counter
	Reconciles        prometheus.Counter
	CommandsHandled   *prometheus.CounterVec
	CardsRendered     *prometheus.CounterVec
	RenderDuration    prometheus.Histogram
	DiscordConnects   prometheus.Counter
	DiscordDisconnect prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpInflight prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		XPGranted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "xp_granted_total",
				Help:      "Total XP granted to members.",
			},
			[]string{"source"},
		),
		LevelUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "level_ups_total",
				Help:      "Number of times a member advanced a level.",
			},
		),
		GrantsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "grants_dropped_total",
				Help:      "XP grants dropped, by reason.",
			},
			[]string{"reason"},
		),
		MembersRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "members_registered_total",
				Help:      "Members registered for XP tracking.",
			},
		),
		Reconciles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconciles_total",
				Help:      "Completed reconciliations of all guilds.",
			},
		),
		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_handled_total",
				Help:      "Interactions handled, by command name.",
			},
			[]string{"command"},
		),
		CardsRendered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cards_rendered_total",
				Help:      "Images rendered, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		RenderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "render_duration_seconds",
				Help:      "Time spent rendering cards and scoreboards.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		DiscordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connections.",
			},
		),
		DiscordDisconnect: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_disconnects_total",
				Help:      "Discord gateway disconnections.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_inflight",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.XPGranted,
		m.LevelUps,
		m.GrantsDropped,
		m.MembersRegistered,
		m.Reconciles,
		m.CommandsHandled,
		m.CardsRendered,
		m.RenderDuration,
		m.DiscordConnects,
		m.DiscordDisconnect,
		m.httpRequests,
		m.httpLatency,
		m.httpInflight,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ginMiddleware records request counts, latency and in-flight requests.
// The path label is the matched route pattern, or "unmatched" for
// requests no route handled.
func (m *Metrics) ginMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.httpInflight.Inc()
		defer m.httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = metricsUnmatchedPath
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

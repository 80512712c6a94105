// Package httpapi is the JSON/HTTP surface described in the external
// interfaces: job admission and lookup, result retrieval, health, and
// metrics. It never touches the database or the filesystem directly
// beyond streaming a completed artifact; every decision is delegated
// to the store, validator, scheduler, and health checker it is
// constructed with.
package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/aperio-dev/aperio/internal/health"
	"github.com/aperio-dev/aperio/internal/metrics"
	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/retention"
	"github.com/aperio-dev/aperio/internal/scheduler"
	"github.com/aperio-dev/aperio/internal/store"
	"github.com/aperio-dev/aperio/internal/validate"
)

// Server wires the chi router to the core components. It holds no
// mutable job state of its own beyond a small bounded metrics-history
// ring.
type Server struct {
	store     *store.Store
	validator *validate.Validator
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	health    *health.Checker
	registry  *prometheus.Registry
	queue     *queue.PriorityQueue
	gate      *permits.Gate
	sweeper   *retention.Sweeper
	logger    *slog.Logger
	router    *chi.Mux

	storagePath string
	maxPayload  int64

	// admitLimiter paces job admission independently of the scheduler's
	// own capacity gate: it protects /process from burst traffic that
	// would otherwise pile up store writes and queue entries faster
	// than the scheduler can drain them. Exhaustion surfaces as a 503
	// QueueFull, distinct from the gate's own backpressure.
	admitLimiter *rate.Limiter

	historyMu sync.Mutex
	history   []metricsSnapshot
}

// Config bundles the construction-time settings Server needs beyond
// its collaborators.
type Config struct {
	CORSOrigins        []string
	StoragePath        string
	MaxPayload         int64
	AdmitRatePerSecond float64
	AdmitBurst         int
}

// sweeper may be nil (retention disabled, or no sweeper configured);
// the metrics endpoints report a zero-value summary in that case.
func New(
	st *store.Store,
	validator *validate.Validator,
	sched *scheduler.Scheduler,
	mc *metrics.Collector,
	hc *health.Checker,
	registry *prometheus.Registry,
	q *queue.PriorityQueue,
	gate *permits.Gate,
	sweeper *retention.Sweeper,
	logger *slog.Logger,
	cfg Config,
) *Server {
	s := &Server{
		store:       st,
		validator:   validator,
		scheduler:   sched,
		metrics:     mc,
		health:      hc,
		registry:    registry,
		queue:       q,
		gate:        gate,
		sweeper:     sweeper,
		logger:      logger,
		storagePath: cfg.StoragePath,
		maxPayload:  cfg.MaxPayload,
	}
	if s.maxPayload <= 0 {
		s.maxPayload = 1 << 16
	}
	admitRate := cfg.AdmitRatePerSecond
	admitBurst := cfg.AdmitBurst
	if admitRate <= 0 {
		admitRate = 5
	}
	if admitBurst <= 0 {
		admitBurst = 10
	}
	s.admitLimiter = rate.NewLimiter(rate.Limit(admitRate), admitBurst)
	s.router = chi.NewRouter()
	s.routes(cfg.CORSOrigins)
	return s
}

// Handler returns the root http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(corsOrigins []string) {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(securityHeaders)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Post("/process", s.handleSubmit)
	s.router.Get("/status/{id}", s.handleStatus)
	s.router.Get("/video/{id}", s.handleVideo)
	s.router.Get("/stream/{id}", s.handleStream)
	s.router.Delete("/jobs/{id}", s.handleCancel)
	s.router.Get("/jobs", s.handleListJobs)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/detailed", s.handleHealthDetailed)
	s.router.Get("/health/ready", s.handleHealthReady)
	s.router.Get("/health/live", s.handleHealthLive)

	s.router.Get("/metrics", s.handleMetricsSummary)
	s.router.Get("/metrics/history", s.handleMetricsHistory)
	s.router.Handle("/metrics/prometheus", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/observation"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	alertStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterwatch_alert_stream_clients",
		Help: "Connected websocket alert stream clients",
	})
)

const Version = "1.0.0"

// Telemetry is what the API needs from the operation recorder.
type Telemetry interface {
	RecordOperation(ctx context.Context, latencyMs, costUSD float64, success bool)
	RecordMetric(ctx context.Context, metricType string, value float64, metadata map[string]any) string
	SystemHealth(ctx context.Context) models.Health
	RecentAlerts(ctx context.Context, limit int) []models.AlertRecord
	MetricsSummary(ctx context.Context, hours float64) models.Summary
	PerformanceTrends(ctx context.Context, hours float64) []models.HourlyTrend
	ResolveAlert(ctx context.Context, id string) error
	SubscribeAlerts(buffer int) (<-chan models.AlertRecord, func())
	LatencyStats() (models.AnalyticsStats, []models.AnalysisResult)
}

type Observations interface {
	List(ctx context.Context, limit int) ([]models.Observation, error)
	PendingFeedback(ctx context.Context) ([]models.Observation, error)
	SetFeedback(ctx context.Context, id, verdict string) (models.Observation, error)
	ModelStats(ctx context.Context) (models.ModelStats, error)
	PerformanceHistory(ctx context.Context, limit int) ([]observation.PerformanceSnapshot, error)
}

type Server struct {
	router       *mux.Router
	telemetry    Telemetry
	observations Observations
	logger       *zap.Logger
}

func New(telemetry Telemetry, observations Observations, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:       mux.NewRouter(),
		telemetry:    telemetry,
		observations: observations,
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics/prometheus", promhttp.Handler())
	s.router.HandleFunc("/ws/alerts", s.alertStreamHandler)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.systemHealthHandler).Methods("GET")
	api.HandleFunc("/alerts", s.alertsHandler).Methods("GET")
	api.HandleFunc("/alerts/{id}/resolve", s.resolveAlertHandler).Methods("POST")
	api.HandleFunc("/metrics", s.recordMetricHandler).Methods("POST")
	api.HandleFunc("/metrics/summary", s.summaryHandler).Methods("GET")
	api.HandleFunc("/metrics/trends", s.trendsHandler).Methods("GET")
	api.HandleFunc("/operations", s.recordOperationHandler).Methods("POST")
	api.HandleFunc("/analytics/latency", s.latencyHandler).Methods("GET")
	api.HandleFunc("/observations", s.observationsHandler).Methods("GET")
	api.HandleFunc("/observations/pending", s.pendingHandler).Methods("GET")
	api.HandleFunc("/observations/{id}/feedback", s.feedbackHandler).Methods("POST")
	api.HandleFunc("/model/stats", s.modelStatsHandler).Methods("GET")
	api.HandleFunc("/performance", s.performanceHandler).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// instrument labels requests by route template so path parameters don't
// explode the label space.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Could not gracefully shutdown the server", zap.Error(err))
		}
	}()

	s.logger.Info("Server is ready to handle requests", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		<-done
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	<-done
	s.logger.Info("Server stopped")
	return nil
}

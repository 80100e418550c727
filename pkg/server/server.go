// Package server is the http boundary of the relay. It accepts request envelopes on POST /api,
// reports liveness on GET /ping and exposes prometheus metrics on GET /metrics.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umputun/dbrelay/pkg/forward"
	"github.com/umputun/dbrelay/pkg/request"
)

// Handler serves request envelopes
type Handler interface {
	Handle(ctx context.Context, data []byte, forwarded bool) ([]byte, request.Outcome)
}

// PoolStats reports database/sql stats per pool name
type PoolStats interface {
	Stats() map[string]sql.DBStats
}

// Sessions reports the number of local sessions
type Sessions interface {
	Len() int
}

// Server is the http server of the relay
type Server struct {
	Listen   string
	Handler  Handler
	Pool     PoolStats
	Sessions Sessions
	Version  string
	MaxBody  int64 // max request body size, 1M if not set

	metrics *metrics
}

const defaultMaxBody = 1024 * 1024

// Run starts the http server and blocks until the context is done, then shuts it down
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[INFO] start http server on %s", s.Listen)
	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Printf("[WARN] http server shutdown, %v", err)
		}
		log.Printf("[DEBUG] http server stopped")
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Router makes routes of the server, metrics registered on the first call
func (s *Server) Router() http.Handler {
	if s.metrics == nil {
		s.metrics = newMetrics(s.Pool, s.Sessions)
	}
	router := mux.NewRouter()
	router.HandleFunc(forward.APIPath, s.postAPI).Methods(http.MethodPost)
	router.HandleFunc("/ping", s.getPing).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Use(s.appInfo)
	return router
}

// POST /api
func (s *Server) postAPI(w http.ResponseWriter, r *http.Request) {
	maxBody := s.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("can't read request: %v", err), http.StatusBadRequest)
		return
	}

	forwardedBy := r.Header.Get(forward.Header)
	if forwardedBy != "" {
		log.Printf("[DEBUG] request forwarded by %s", forwardedBy)
	}
	st := time.Now()
	resp, out := s.Handler.Handle(r.Context(), data, forwardedBy != "")
	s.metrics.observe(out, time.Since(st))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		log.Printf("[WARN] can't write response, %v", err)
	}
}

// GET /ping
func (s *Server) getPing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// appInfo adds application name and version headers to responses
func (s *Server) appInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("App-Name", "dbrelay")
		if s.Version != "" {
			w.Header().Set("App-Version", s.Version)
		}
		next.ServeHTTP(w, r)
	})
}

// metrics holds the collectors of the server, in its own registry
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(pool PoolStats, sessions Sessions) *metrics {
	res := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbrelay",
			Name:      "requests_total",
			Help:      "Number of served requests",
		}, []string{"type", "verb", "success", "forwarded"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbrelay",
			Name:      "failures_total",
			Help:      "Number of failed requests by error code",
		}, []string{"code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbrelay",
			Name:      "request_duration_seconds",
			Help:      "Request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
	res.registry.MustRegister(res.requests, res.failures, res.duration)
	if pool != nil {
		res.registry.MustRegister(&poolCollector{pool: pool})
	}
	if sessions != nil {
		res.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dbrelay",
			Name:      "sessions",
			Help:      "Number of sessions held by this instance",
		}, func() float64 { return float64(sessions.Len()) }))
	}
	return res
}

func (m *metrics) observe(out request.Outcome, d time.Duration) {
	typ := out.Type
	if typ == "" {
		typ = "unknown"
	}
	m.requests.WithLabelValues(typ, out.Verb, fmt.Sprintf("%t", out.Success), fmt.Sprintf("%t", out.Forwarded)).Inc()
	if !out.Success && out.Code != "" {
		m.failures.WithLabelValues(string(out.Code)).Inc()
	}
	m.duration.WithLabelValues(typ).Observe(d.Seconds())
}

// poolCollector reports connection pool stats at scrape time
type poolCollector struct {
	pool PoolStats
}

var (
	poolOpenDesc = prometheus.NewDesc("dbrelay_pool_open_connections", "Open connections of the pool",
		[]string{"pool"}, nil)
	poolInUseDesc = prometheus.NewDesc("dbrelay_pool_in_use_connections", "Connections in use",
		[]string{"pool"}, nil)
	poolWaitDesc = prometheus.NewDesc("dbrelay_pool_wait_total", "Number of waits for a connection",
		[]string{"pool"}, nil)
)

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolOpenDesc
	ch <- poolInUseDesc
	ch <- poolWaitDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.pool.Stats() {
		ch <- prometheus.MustNewConstMetric(poolOpenDesc, prometheus.GaugeValue, float64(st.OpenConnections), name)
		ch <- prometheus.MustNewConstMetric(poolInUseDesc, prometheus.GaugeValue, float64(st.InUse), name)
		ch <- prometheus.MustNewConstMetric(poolWaitDesc, prometheus.CounterValue, float64(st.WaitCount), name)
	}
}

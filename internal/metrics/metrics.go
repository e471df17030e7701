package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds all the Prometheus metrics for iptrace
type Metrics struct {
	// Counters
	Observations     *prometheus.CounterVec
	Resolutions      *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	ChangesPublished *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec

	// Histograms
	StoreLatency *prometheus.HistogramVec
	HTTPDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		ClientCA:   getOr("METRICS_CLIENT_CA", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates and registers all iptrace metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_observations_total",
				Help: "History reconciliations by outcome (appended, unchanged)",
			},
			[]string{"result"},
		),

		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_resolutions_total",
				Help: "Resolved addresses by source",
			},
			[]string{"source"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_store_errors_total",
				Help: "Failed history store operations",
			},
			[]string{"store", "op"},
		),

		ChangesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_changes_published_total",
				Help: "IP change notifications accepted by sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iptrace_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		StoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iptrace_store_latency_seconds",
				Help:    "Latency of history store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store", "op"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iptrace_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(m.Observations)
	prometheus.MustRegister(m.Resolutions)
	prometheus.MustRegister(m.StoreErrors)
	prometheus.MustRegister(m.ChangesPublished)
	prometheus.MustRegister(m.SinkErrors)
	prometheus.MustRegister(m.HTTPRequests)
	prometheus.MustRegister(m.StoreLatency)
	prometheus.MustRegister(m.HTTPDuration)

	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server   *http.Server
	config   Config
	listener net.Listener
}

// NewServer creates a new metrics server
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// Add a simple health check endpoint for the metrics server
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) // Ignore write errors for health check
	})

	srv := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
		// Security: Set timeouts to prevent resource exhaustion
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Configure mTLS if client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Printf("metrics: failed to load client CA: %v", err)
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				log.Printf("metrics: mTLS enabled with client CA: %s", config.ClientCA)
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller instead of surfacing later in the goroutine.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	useTLS := s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != ""
	go func() {
		var err error
		if useTLS {
			log.Printf("metrics: HTTPS server listening on %s", ln.Addr())
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", ln.Addr())
			err = s.server.Serve(ln)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics: server error: %v", err)
		}
	}()
	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics returns the process-wide metrics, registering them on first use
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

// Convenience methods for common operations. All of them accept a nil
// receiver so callers without metrics need no guards.
func (m *Metrics) IncrementObservations(result string) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementResolutions(source string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) IncrementStoreErrors(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}

func (m *Metrics) IncrementChangesPublished(sink string) {
	if m == nil {
		return
	}
	m.ChangesPublished.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveStoreLatency(store, op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(store, op).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

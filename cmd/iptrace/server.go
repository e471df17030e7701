package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
	httpx "github.com/shortontech/iptrace/internal/http"
	"github.com/shortontech/iptrace/internal/metrics"
	"github.com/shortontech/iptrace/internal/resolver"
	"github.com/shortontech/iptrace/internal/sink"
	"github.com/shortontech/iptrace/internal/store"
	"github.com/shortontech/iptrace/internal/tracker"
	"github.com/shortontech/iptrace/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context, cfg config.Config) error {
	appMetrics := metrics.InitMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig())
	if err := metricsServer.Start(ctx); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	sinks := initializeSinks(sinkCtx, cfg.Outputs)

	res, closers := newResolver(cfg)
	if st != nil {
		closers = append(closers, st)
	}

	env := httpx.Env{
		Cfg:      cfg,
		Resolver: res,
		Tracker: &tracker.Tracker{
			Location:   cfg.Location(),
			MaxEntries: cfg.MaxEntries,
			Notify:     createEmitFunc(sinks, appMetrics),
			Metrics:    appMetrics,
		},
		Store:   st,
		Metrics: appMetrics,
	}

	srv := startHTTPServer(cfg, env)
	waitForShutdown(ctx, srv, metricsServer, sinks, closers)
	return nil
}

// openStore returns nil for the cookie backend, which is created per
// request by the HTTP layer.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreCookie, "":
		log.Printf("history store: cookie %q", cfg.HistoryCookie)
		return nil, nil
	case config.StoreMemory:
		log.Printf("history store: memory")
		return store.NewMemoryStore(), nil
	case config.StoreRedis:
		s, err := store.NewRedisStore(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, err
		}
		log.Printf("history store: redis (prefix %q)", cfg.RedisKeyPrefix)
		return s, nil
	case config.StorePostgres:
		s, err := store.OpenPGStore(ctx, cfg.PostgresDSN, cfg.PostgresTable)
		if err != nil {
			return nil, err
		}
		log.Printf("history store: postgres (table %q)", cfg.PostgresTable)
		return s, nil
	}
	return nil, fmt.Errorf("unknown HISTORY_STORE %q", cfg.Store)
}

func newResolver(cfg config.Config) (*resolver.Resolver, []io.Closer) {
	opts := resolver.Options{
		LookupURL:          cfg.LookupURL,
		LookupTimeout:      cfg.LookupTimeout,
		RemoteAddrFallback: cfg.RemoteAddrFallback,
	}
	var closers []io.Closer
	if cfg.GeoIPDB != "" {
		geo, err := resolver.OpenGeoLocator(cfg.GeoIPDB)
		if err != nil {
			log.Warnf("geoip disabled: %v", err)
		} else {
			opts.Locator = geo
			closers = append(closers, geo)
		}
	}
	return resolver.New(opts), closers
}

func initializeSinks(ctx context.Context, outputs []string) []sink.Sink {
	var sinks []sink.Sink
	for _, out := range outputs {
		var s sink.Sink
		switch out {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv()
		default:
			log.Warnf("unknown output %q ignored", out)
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Errorf("%s sink failed to start: %v", s.Name(), err)
			continue
		}
		log.Printf("%s sink enabled", s.Name())
		sinks = append(sinks, s)
	}
	return sinks
}

// createEmitFunc fans a change out to every sink. A failing sink is logged
// and counted without affecting the others.
func createEmitFunc(sinks []sink.Sink, appMetrics *metrics.Metrics) func(history.Change) {
	return func(c history.Change) {
		for _, s := range sinks {
			if err := s.Enqueue(c); err != nil {
				appMetrics.IncrementSinkErrors(s.Name(), "enqueue")
				log.WithFields(log.Fields{"sink": s.Name(), "change_id": c.ID}).Errorf("enqueue failed: %v", err)
				continue
			}
			appMetrics.IncrementChangesPublished(s.Name())
		}
	}
}

func startHTTPServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		var err error
		if cfg.EnableHTTPS && cfg.TLSCert != "" && cfg.TLSKey != "" {
			log.Printf("iptrace listening on %s (https)", cfg.ServerAddr)
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			log.Printf("iptrace listening on %s", cfg.ServerAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()
	return srv
}

// waitForShutdown blocks until ctx is done, then stops the listeners and
// flushes the sinks within shutdownTimeout.
func waitForShutdown(ctx context.Context, srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, closers []io.Closer) {
	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("metrics shutdown: %v", err)
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Errorf("%s sink close: %v", s.Name(), err)
		}
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Errorf("close: %v", err)
		}
	}
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%s/healthz", host, port))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if string(body) != "ok" {
		return fmt.Errorf("unexpected response: %q", body)
	}
	return nil
}

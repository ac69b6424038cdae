// Package server wires fastpass-endpoint's config into a running process:
// the FPPROTO endpoint, the optional etcd-backed arbiter resolver, the
// admin plane, and the Prometheus metrics HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/cmd/fastpass-endpoint/config"
	"github.com/fastpass-project/endpoint/internal/fastpass/admin"
	"github.com/fastpass-project/endpoint/internal/fastpass/breaker"
	"github.com/fastpass-project/endpoint/internal/fastpass/discovery"
	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
	"github.com/fastpass-project/endpoint/internal/fastpass/metrics"
	"github.com/fastpass-project/endpoint/internal/fastpass/tracing"
)

// Server owns every long-lived collaborator a fastpass-endpoint process
// starts: the protocol endpoint itself, plus its optional metrics,
// tracing, discovery and admin-plane collaborators.
type Server struct {
	config *config.Config
	logger *zap.Logger

	endpoint *endpoint.Endpoint
	tracer   *tracing.Tracer
	resolver *discovery.ArbiterResolver
	etcd     *discovery.EtcdClient
	breakers *breaker.Manager
	admin    *admin.Server
	metrics  *metrics.Collector

	httpServer *http.Server
}

// New builds every collaborator named in cfg but starts nothing yet.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	var tracer *tracing.Tracer
	if cfg.Tracing.Enable {
		t, err := tracing.New(tracing.Config{
			Enable:       cfg.Tracing.Enable,
			ServiceName:  cfg.Tracing.ServiceName,
			Endpoint:     cfg.Tracing.Endpoint,
			Exporter:     cfg.Tracing.Exporter,
			SampleRate:   cfg.Tracing.SampleRate,
			Environment:  cfg.Tracing.Environment,
			BatchTimeout: cfg.Tracing.BatchTimeout,
			MaxQueueSize: cfg.Tracing.MaxQueueSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create tracer: %w", err)
		}
		tracer = t
	}

	breakers := breaker.NewManager(logger)

	var etcdClient *discovery.EtcdClient
	var resolver *discovery.ArbiterResolver
	ctrlAddr := cfg.Endpoint.CtrlAddr
	if cfg.Discovery.Enable {
		client, err := discovery.NewEtcdClient(&discovery.Config{
			Endpoints:   cfg.Discovery.Endpoints,
			DialTimeout: cfg.Discovery.DialTimeout,
			Username:    cfg.Discovery.Username,
			Password:    cfg.Discovery.Password,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create etcd client: %w", err)
		}
		etcdClient = client

		var discoveryBreaker *breaker.CircuitBreaker
		if cfg.Breaker.Enable {
			discoveryBreaker = breakers.GetOrCreate("arbiter-discovery", breaker.Config{
				MaxRequests: cfg.Breaker.MaxRequests,
				Interval:    time.Duration(cfg.Breaker.IntervalSeconds) * time.Second,
				Timeout:     time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
				ReadyToTrip: func(counts breaker.Counts) bool {
					return counts.Requests >= cfg.Breaker.MinRequests &&
						(counts.ErrorRate() >= cfg.Breaker.ErrorRateThreshold ||
							counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures)
				},
			})
		}

		resolver = discovery.NewArbiterResolver(etcdClient, discoveryBreaker, cfg.Discovery.Key, ctrlAddr, logger)
		resolver.Watch()
		ctrlAddr = resolver.Current()
	}

	epCfg := cfg.Endpoint
	epCfg.CtrlAddr = ctrlAddr
	ep, err := endpoint.Dial(epCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("dial endpoint: %w", err)
	}
	if tracer != nil {
		ep.SetTracer(tracer)
	}

	if resolver != nil {
		resolver.AddChangeListener(func(address string) {
			logger.Info("arbiter address changed, forcing a reset against the new address",
				zap.String("address", address))
			ep.ForceReset()
		})
	}

	var metricsCollector *metrics.Collector
	if cfg.Metrics.Enable {
		m := metrics.New("fastpass", "endpoint")
		metricsCollector = metrics.NewCollector(m, ep)
	}

	adminSrv, err := admin.NewServer(cfg.Admin.ToAdminServerConfig(), ep, breakers, logger)
	if err != nil {
		return nil, fmt.Errorf("create admin server: %w", err)
	}

	return &Server{
		config:   cfg,
		logger:   logger,
		endpoint: ep,
		tracer:   tracer,
		resolver: resolver,
		etcd:     etcdClient,
		breakers: breakers,
		admin:    adminSrv,
		metrics:  metricsCollector,
	}, nil
}

// Start launches the admin plane and, if enabled, the metrics HTTP
// server. It returns immediately; the endpoint's own goroutine loops
// were already started by endpoint.Dial in New.
func (s *Server) Start() {
	s.admin.Start()

	if s.config.Metrics.Enable {
		go s.startMetricsServer()
	}

	s.logger.Info("fastpass-endpoint started",
		zap.String("ctrl_addr", s.config.Endpoint.CtrlAddr),
		zap.Bool("discovery_enabled", s.config.Discovery.Enable),
		zap.Bool("tracing_enabled", s.config.Tracing.Enable))
}

func (s *Server) startMetricsServer() {
	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	scrapeHandler := promhttp.Handler()
	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Counters/gauges are pull-only deltas over endpoint.Stats(), so
		// refresh them right before Prometheus reads the registry.
		if s.metrics != nil {
			s.metrics.Collect()
		}
		scrapeHandler.ServeHTTP(w, r)
	}))
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("metrics server started", zap.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("metrics server error", zap.Error(err))
	}
}

// Stop tears down every collaborator in reverse dependency order.
func (s *Server) Stop() {
	s.logger.Info("stopping fastpass-endpoint...")

	s.admin.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}

	if s.etcd != nil {
		_ = s.etcd.Close()
	}

	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracer.Shutdown(ctx)
	}

	if err := s.endpoint.Close(); err != nil {
		s.logger.Error("endpoint close error", zap.Error(err))
	}

	s.logger.Info("fastpass-endpoint stopped")
}

package admin

import (
	"net"
	"time"

	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fastpass-project/endpoint/internal/fastpass/breaker"
	"github.com/fastpass-project/endpoint/internal/fastpass/dashboard"
	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

// Config configures the admin plane: the REST API, its JWT/rate-limit
// guards, the WebSocket dashboard feed, and the gRPC health port.
type Config struct {
	rest.RestConf

	JWTSecret     string `yaml:"JWTSecret"`
	JWTExpireSecs int    `yaml:"JWTExpireSecs"`
	JWTIssuer     string `yaml:"JWTIssuer"`

	RateLimit struct {
		Enable bool    `yaml:"Enable"`
		Rate   float64 `yaml:"Rate"`
		Burst  int     `yaml:"Burst"`
	} `yaml:"RateLimit"`

	DashboardPeriodMs int    `yaml:"DashboardPeriodMs"`
	GRPCHealthAddr    string `yaml:"GRPCHealthAddr"`
}

// Server bundles the REST admin API, the dashboard WebSocket hub and the
// gRPC health endpoint behind a single Start/Stop lifecycle.
type Server struct {
	cfg    Config
	logger *zap.Logger

	rest       *rest.Server
	hub        *dashboard.Hub
	grpcServer *grpc.Server
	grpcLis    net.Listener
}

// NewServer wires every admin-plane route and middleware together. breakers
// may be nil if the admin plane is running without circuit-breaker
// instrumentation.
func NewServer(cfg Config, ep *endpoint.Endpoint, breakers *breaker.Manager, logger *zap.Logger) (*Server, error) {
	tokens := NewTokenManager(cfg.JWTSecret, int64(cfg.JWTExpireSecs), cfg.JWTIssuer)

	restSrv := rest.MustNewServer(cfg.RestConf, rest.WithCors())
	restSrv.Use(RequestIDMiddleware)
	restSrv.Use(LoggerMiddleware(logger))
	if cfg.RateLimit.Enable {
		restSrv.Use(RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}

	period := time.Duration(cfg.DashboardPeriodMs) * time.Millisecond
	hub := dashboard.NewHub(ep, period, logger)

	restSrv.AddRoutes([]rest.Route{
		{Method: "GET", Path: "/health", Handler: healthHandler()},
		{Method: "GET", Path: "/stats", Handler: statsHandler(ep)},
		{Method: "GET", Path: "/destinations", Handler: destinationsHandler(ep)},
		{Method: "GET", Path: "/ws/stream", Handler: hub.ServeHTTP},
	})

	restSrv.AddRoutes([]rest.Route{
		{
			Method:  "POST",
			Path:    "/reset",
			Handler: AuthMiddleware(tokens, RoleAdmin)(resetHandler(ep)),
		},
		{
			Method:  "GET",
			Path:    "/breakers",
			Handler: AuthMiddleware(tokens, RoleViewer)(breakerStatsHandler(breakers)),
		},
	}, rest.WithPrefix("/admin"))

	s := &Server{cfg: cfg, logger: logger, rest: restSrv, hub: hub}

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			hub.Close()
			return nil, err
		}
		grpcSrv := grpc.NewServer()
		NewHealthServer(ep).Register(grpcSrv)
		s.grpcServer = grpcSrv
		s.grpcLis = lis
	}

	return s, nil
}

// Start runs the REST server and, if configured, the gRPC health server.
// Both run until Stop is called; Start itself returns immediately.
func (s *Server) Start() {
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Serve(s.grpcLis); err != nil {
				s.logger.Warn("grpc health server stopped", zap.Error(err))
			}
		}()
	}
	go s.rest.Start()
}

// Stop tears down the REST server, dashboard hub and gRPC health server.
func (s *Server) Stop() {
	s.rest.Stop()
	s.hub.Close()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openledger/payment-processor/internal/health"
	"github.com/openledger/payment-processor/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler is a custom handler type that returns data or an error
type APIHandler func(w http.ResponseWriter, r *http.Request) (interface{}, error)

type Config struct {
	ListenAddr   string
	ListenPort   int
	MetricsPort  int
	ProbesPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ID           string
	Version      string
}

type Repository interface {
	CreatePayment(ctx context.Context, np types.NewPayment) (*types.Payment, bool, error)
	PaymentWithBatch(ctx context.Context, id string) (*types.Payment, *types.PaymentBatch, error)
	AdmitPaymentBatch(ctx context.Context, accountName string, items []types.NewPayment) (*types.PaymentBatch, []types.Payment, error)
}

type Server struct {
	config     *Config
	repo       Repository
	cache      Cache
	health     *health.Checker
	httpServer *http.Server
	log        *slog.Logger
}

func NewServer(config *Config, repo Repository, cache Cache,
	checker *health.Checker) *Server {
	return &Server{
		config: config,
		repo:   repo,
		cache:  cache,
		health: checker,
		log:    slog.With("pod", config.ID, "component", "web-server"),
		httpServer: &http.Server{
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

func (s *Server) StartProbesAndMetrics() {
	// Expose Prometheus metrics
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		slog.Info("Serving metrics", "port", s.config.MetricsPort)

		addr := fmt.Sprintf(":%d", s.config.MetricsPort)
		slog.Error("Prometheus HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()

	// Expose health probes
	go func() {
		http.Handle("/health", WithMethod(
			WithJSONResponse(s.HealthHandler),
			http.MethodGet,
		))

		http.Handle("/ready", WithMethod(
			WithJSONResponse(s.ReadinessHandler),
			http.MethodGet,
		))

		slog.Info("Serving health probes", "port", s.config.ProbesPort)

		addr := fmt.Sprintf(":%d", s.config.ProbesPort)
		slog.Error("Health checks HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()
}

func (s *Server) Start(ctx context.Context) error {
	s.StartProbesAndMetrics()

	s.httpServer.Handler = http.TimeoutHandler(s.Routes(),
		s.config.WriteTimeout, "Timeout")

	go s.run(ctx)

	<-ctx.Done()

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
	return ctx.Err()
}

// Routes builds the public API mux. Split out of Start so tests can exercise
// the handlers without binding a port.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// The order of middleware calls is up to bottom, first WithMethod is
	// called, then WithJSONResponse and so on.
	mux.HandleFunc("/payments", WithMethod(
		WithJSONResponse(s.CreatePaymentHandler),
		http.MethodPost,
	))

	mux.HandleFunc("/payments/", WithMethod(
		WithJSONResponse(s.GetPaymentHandler),
		http.MethodGet,
	))

	mux.HandleFunc("/payment-batches", WithMethod(
		WithJSONResponse(s.CreatePaymentBatchHandler),
		http.MethodPost,
	))

	mux.HandleFunc("/version", WithMethod(
		WithJSONResponse(s.VersionHandler),
		http.MethodGet,
	))

	return mux
}

func (s *Server) run(ctx context.Context) {
	slog.Info("Starting server", "port", s.config.ListenPort)

	// Use ListenConfig to create a listener with context support
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.ListenPort))
	if err != nil {
		slog.Error("Error creating listener", "error", err)
		return
	}
	defer listener.Close()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		slog.Error("Could not start server", "error", err.Error())
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	return s.health.GetHealthStatus(), nil
}

func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	status := s.health.GetHealthStatus()
	if !status.Healthy {
		return nil, &APIError{Code: ErrCodeNotReady, Status: http.StatusServiceUnavailable}
	}
	return status, nil
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	return map[string]string{"version": s.config.Version}, nil
}

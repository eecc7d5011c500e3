// Package http is the gateway's control surface: health and status,
// metrics, relay-pool administration, the subscription registry routes,
// and the /ws and /fanout streaming endpoints.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/dedup"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/fanout"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pool"
	"github.com/c360/relaygate/router"
)

const (
	serviceName = "http-gateway"

	defaultRouteTimeout = 10 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// PoolAdmin is the relay pool slice the admin routes need.
type PoolAdmin interface {
	Add(url string) error
	Remove(url string) error
	Snapshot() []pool.EndpointStatus
}

// HealthSource provides per-component health, satisfied by the runner.
type HealthSource interface {
	Health() map[string]component.HealthStatus
}

// SubscriptionStore is the registry slice behind the bot routes. Nil
// when Postgres is not configured; the routes then answer 503.
type SubscriptionStore interface {
	RegisterBot(ctx context.Context, botPubkey, nostrPubkey, ethAddress, name string) error
	AddSubscription(ctx context.Context, botPubkey, followerPubkey, sharedSecret string) error
	ListSubscriptions(ctx context.Context, botPubkey string) ([]SubscriptionView, error)
}

// SubscriptionView is the wire form of one subscription row. Shared
// secrets never leave through this surface.
type SubscriptionView struct {
	FollowerPubkey string `json:"follower_pubkey"`
}

// Deps collects the collaborators the gateway serves. Stream and Fanout
// are the already-built WebSocket handlers; either may be nil.
type Deps struct {
	Pool      PoolAdmin
	Router    *router.Router
	Store     *dedup.Store
	Bus       *fanout.Bus
	Health    HealthSource
	Registry  SubscriptionStore
	Metrics   *metric.MetricsRegistry
	PublicKey string
	Stream    http.HandlerFunc
	Fanout    http.HandlerFunc
}

// Server implements component.LifecycleComponent for the HTTP surface.
type Server struct {
	port            int
	settlementToken string
	deps            Deps
	log             *slog.Logger

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewServer builds the gateway. An empty settlement token leaves the
// admin routes open; Start logs a warning about it.
func NewServer(port int, settlementToken string, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		port:            port,
		settlementToken: settlementToken,
		deps:            deps,
		log:             log.With("component", serviceName),
	}
}

// Name implements component.LifecycleComponent.
func (s *Server) Name() string { return serviceName }

// Initialize builds the route table.
func (s *Server) Initialize() error {
	if s.deps.Pool == nil || s.deps.Router == nil || s.deps.Store == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Initialize",
			"gateway requires pool, router and dedup store")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.wrap(s.handleHealth, routeOpts{}))
	mux.HandleFunc("GET /status", s.wrap(s.handleStatus, routeOpts{}))
	mux.HandleFunc("GET /api/metrics/summary", s.wrap(s.handleMetricsSummary, routeOpts{}))
	mux.HandleFunc("GET /api/metrics/memory", s.wrap(s.handleMetricsMemory, routeOpts{}))
	mux.HandleFunc("GET /api/identity", s.wrap(s.handleIdentity, routeOpts{}))

	mux.HandleFunc("GET /api/relays", s.wrap(s.handleRelayList, routeOpts{}))
	mux.HandleFunc("POST /api/relays/add", s.wrap(s.handleRelayAdd, routeOpts{admin: true}))
	mux.HandleFunc("DELETE /api/relays/remove", s.wrap(s.handleRelayRemove, routeOpts{admin: true}))

	mux.HandleFunc("POST /api/bots/register", s.wrap(s.handleBotRegister, routeOpts{admin: true}))
	mux.HandleFunc("POST /api/subscriptions/add", s.wrap(s.handleSubscriptionAdd, routeOpts{admin: true}))
	mux.HandleFunc("GET /api/subscriptions/{bot_pubkey}", s.wrap(s.handleSubscriptionList, routeOpts{}))

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.deps.Metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	if s.deps.Stream != nil {
		mux.HandleFunc("/ws", s.deps.Stream)
	}
	if s.deps.Fanout != nil {
		mux.HandleFunc("/fanout", s.deps.Fanout)
	}

	s.mux = mux
	return nil
}

// Start binds the port synchronously so address conflicts fail startup,
// then serves in the background.
func (s *Server) Start(_ context.Context) error {
	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check lifecycle")
	}
	if s.settlementToken == "" {
		s.log.Warn("settlement token not configured; admin routes are unauthenticated")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("bind port %d", s.port))
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway serve failed", "error", err)
		}
	}()
	s.log.Info("http gateway started", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	s.log.Info("http gateway stopped")
	return nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }

type routeOpts struct {
	admin   bool
	timeout time.Duration
}

// wrap applies the common route plumbing: request ID, CORS, settlement
// token check on admin routes, and a per-route deadline.
func (s *Server) wrap(handler http.HandlerFunc, opts routeOpts) http.HandlerFunc {
	timeout := opts.timeout
	if timeout == 0 {
		timeout = defaultRouteTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		applyCORS(w)

		if opts.admin && s.settlementToken != "" {
			token := r.Header.Get("X-Settlement-Token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.settlementToken)) != 1 {
				s.writeError(w, errors.WrapInvalid(errors.ErrAuthRequired,
					"Server", r.URL.Path, "check settlement token"))
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		handler(w, r.WithContext(ctx))
	}
}

func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Settlement-Token, X-Request-ID")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("response write failed", "error", err)
	}
}

// writeError maps classified errors to status codes and emits a
// sanitized message; internals stay in the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := mapError(err)
	if status >= 500 {
		s.log.Error("request failed", "status", status, "error", err)
	} else {
		s.log.Debug("request rejected", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": msg, "status": status})
}

func mapError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal server error"
	case stderrors.Is(err, errors.ErrAuthRequired):
		return http.StatusUnauthorized, "settlement token required"
	case stderrors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case stderrors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "resource not found"
	case stderrors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid request"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout, "request timeout"
		}
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// decodeBody reads a small JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.WrapInvalid(err, "Server", "decodeBody", "parse request body")
	}
	return nil
}

package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/net/netutil"

	"github.com/dcmproxy/dcmproxy/internal/service"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	ListenAddress string
	Port          int
	AdminToken    string
	MaxBodyBytes  int64
	// MaxConns bounds concurrently served connections; zero means no limit.
	MaxConns int
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server wraps the HTTP server and mux for the admin API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	maxConns   int
}

// NewServer creates a new API server wired with all routes.
// cp may be nil if the control plane is not yet initialized.
func NewServer(cfg ServerConfig, systemInfo service.SystemInfo, cp *service.ControlPlaneService) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz(cp))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(systemInfo))

	if cp != nil {
		authed.Handle("POST /api/v1/system/actions/reload", HandleReload(cp))

		// Application entities and their queues.
		authed.Handle("GET /api/v1/aets", HandleListAEs(cp))
		authed.Handle("GET /api/v1/aets/{aet}/spool", HandleListSpool(cp))
		authed.Handle("POST /api/v1/aets/{aet}/studies/{study}", HandleIngest(cp))

		// Spool items are addressed by their relative path.
		authed.Handle("GET /api/v1/spool/{id...}", HandleGetSpoolItem(cp))
		authed.Handle("DELETE /api/v1/spool/{id...}", HandleDeleteSpoolItem(cp))

		// Sessions.
		authed.Handle("GET /api/v1/sessions", HandleListSessions(cp))

		// Retry scheduler.
		authed.Handle("GET /api/v1/retry/stats", HandleRetryStats(cp))
		authed.Handle("POST /api/v1/retry/actions/run-now", HandleRetryNow(cp))

		// Audit.
		authed.Handle("GET /api/v1/audit-events", HandleListAuditEvents(cp))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		maxConns:   cfg.MaxConns,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, bounded by the configured connection limit.
func (s *Server) Serve(ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

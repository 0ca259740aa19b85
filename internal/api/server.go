// Package api serves the gifticon tracker over HTTP.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/ingest"
	"github.com/zombor/gifticon-tracker/internal/scanstate"
)

// Gifticons is the record service behind the gifticon routes.
// gifticon.Service satisfies it.
type Gifticons interface {
	Get(ctx context.Context, id string) (*gifticon.Summary, error)
	List(ctx context.Context, f gifticon.Filter) ([]*gifticon.Summary, error)
	Search(ctx context.Context, keyword string) ([]*gifticon.Summary, error)
	Update(ctx context.Context, id string, u gifticon.Update) (*gifticon.Summary, error)
	MarkUsed(ctx context.Context, id string) (*gifticon.Summary, error)
	MarkAvailable(ctx context.Context, id string) (*gifticon.Summary, error)
	Delete(ctx context.Context, id string) error
	DeleteUsedAndExpired(ctx context.Context) (int, error)
	GetImage(ctx context.Context, id string) ([]byte, string, error)
	Alerts(ctx context.Context) (*gifticon.Alerts, error)
	CreateCategory(ctx context.Context, name, icon, color string) (*gifticon.Category, error)
	ListCategories(ctx context.Context) ([]*gifticon.Category, error)
	DeleteCategory(ctx context.Context, id string) error
}

// Scanner runs gallery scans. ingest.Orchestrator satisfies it.
type Scanner interface {
	StartScan(ctx context.Context, opts ingest.Options) (*ingest.Session, error)
	Cancel() bool
	State() ingest.StateSnapshot
	Subscribe(buffer int) (<-chan ingest.Event, func())
}

// ScanStates exposes the persisted scan cursors
type ScanStates interface {
	Scopes() ([]string, error)
	LoadCursor(scope string) (*scanstate.Cursor, error)
}

// ImageReader reads gallery images for the review surface
type ImageReader interface {
	Open(ctx context.Context, uri string) ([]byte, error)
}

// Deps are the collaborators of a Server
type Deps struct {
	Gifticons  Gifticons
	Scanner    Scanner
	ScanStates ScanStates
	Images     ImageReader
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for gifticons and scans
type Server struct {
	deps      Deps
	basicAuth BasicAuth
	mux       *http.ServeMux
	// baseCtx outlives requests; scans started over HTTP run under it
	baseCtx context.Context
}

// NewServer creates a new Server. Scans started through it are cancelled
// when ctx is done.
func NewServer(ctx context.Context, deps Deps, basicAuth BasicAuth) *Server {
	s := &Server{
		deps:      deps,
		basicAuth: basicAuth,
		mux:       http.NewServeMux(),
		baseCtx:   ctx,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return user == s.basicAuth.Username && pass == s.basicAuth.Password
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Gifticon Tracker"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// cors adds CORS headers to every response and answers preflight requests
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Scans
	s.mux.HandleFunc("POST /api/scans", s.requireAuth(s.handleStartScan))
	s.mux.HandleFunc("GET /api/scans/current", s.requireAuth(s.handleScanState))
	s.mux.HandleFunc("DELETE /api/scans/current", s.requireAuth(s.handleCancelScan))
	s.mux.HandleFunc("GET /api/scans/events", s.requireAuth(s.handleScanEvents))
	s.mux.HandleFunc("GET /api/scans/state", s.requireAuth(s.handleScanCursors))
	s.mux.HandleFunc("GET /api/review", s.requireAuth(s.handleReviewImage))

	// Gifticons
	s.mux.HandleFunc("GET /api/gifticons/search", s.requireAuth(s.handleSearchGifticons))
	s.mux.HandleFunc("GET /api/gifticons/{id}/image", s.requireAuth(s.handleGetGifticonImage))
	s.mux.HandleFunc("POST /api/gifticons/{id}/use", s.requireAuth(s.handleMarkUsed))
	s.mux.HandleFunc("POST /api/gifticons/{id}/unuse", s.requireAuth(s.handleMarkAvailable))
	s.mux.HandleFunc("GET /api/gifticons/{id}", s.requireAuth(s.handleGetGifticon))
	s.mux.HandleFunc("PUT /api/gifticons/{id}", s.requireAuth(s.handleUpdateGifticon))
	s.mux.HandleFunc("DELETE /api/gifticons/{id}", s.requireAuth(s.handleDeleteGifticon))
	s.mux.HandleFunc("GET /api/gifticons", s.requireAuth(s.handleListGifticons))
	s.mux.HandleFunc("DELETE /api/gifticons", s.requireAuth(s.handleDeleteInactive))
	s.mux.HandleFunc("GET /api/alerts", s.requireAuth(s.handleAlerts))

	// Categories
	s.mux.HandleFunc("GET /api/categories", s.requireAuth(s.handleListCategories))
	s.mux.HandleFunc("POST /api/categories", s.requireAuth(s.handleCreateCategory))
	s.mux.HandleFunc("DELETE /api/categories/{id}", s.requireAuth(s.handleDeleteCategory))

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cors(s.mux).ServeHTTP(w, r)
}

// Package ingestapi exposes the HTTP surface: batch ingestion on /analyze,
// the liveness check on /health and read access to stored analyses.
package ingestapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lookout/internal/analysis"
	"github.com/linnemanlabs/lookout/internal/authmw"
	"github.com/linnemanlabs/lookout/internal/event"
)

// DefaultMaxBodyBytes caps the decompressed request body.
const DefaultMaxBodyBytes int64 = 4 << 20

// AnalysisService defines the business operations ingestapi needs.
type AnalysisService interface {
	Submit(ctx context.Context, events []event.LogEvent) (*analysis.Summary, error)
	Get(ctx context.Context, id string) (*analysis.Record, bool, error)
	Recent(ctx context.Context, limit int) ([]*analysis.Record, error)
}

// Options tunes the API. Zero values select defaults.
type Options struct {
	// MaxBodyBytes caps the request body after decompression.
	MaxBodyBytes int64
	// APIToken, when set, is required as a bearer token on everything but /health.
	APIToken string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     AnalysisService
	maxBody int64
	token   string
}

// New creates a new API handler.
func New(logger log.Logger, svc AnalysisService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("analysis service is required"))
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &API{
		logger:  logger,
		svc:     svc,
		maxBody: opts.MaxBodyBytes,
		token:   opts.APIToken,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(a.token))
		r.Post("/analyze", a.handleAnalyze)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/analyses", a.handleListAnalyses)
			r.Get("/analyses/{id}", a.handleGetAnalysis)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with an encode error once the header is out
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package main provides the MindVault API server.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/handlers"
	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
	"github.com/mindvault-ai/mindvault/internal/api/rpc"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/monitoring"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// NewRouter wires every HTTP surface: health probes, the metrics scrape
// endpoint, the Connect RPC mount, and the authenticated /v1 REST API.
func NewRouter(cfg *config.Config, log *observability.Logger, bank *knowledgebank.Service, metrics *monitoring.Metrics) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	if metrics != nil {
		r.Use(metrics.Middleware)
	}
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	// Probes (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"mindvault"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := bank.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	// Connect RPC for service-to-service callers. The caller identity
	// travels in the request message, not in transport auth.
	rpcMux := http.NewServeMux()
	rpcMux.Handle(rpc.NewQueryService(log, bank).Handler())
	r.Mount("/rpc", http.StripPrefix("/rpc", rpcMux))

	// Handlers
	ingestion := handlers.NewIngestionHandler(log, bank, cfg.Ingestion.MaxUploadBytes)
	jobs := handlers.NewJobsHandler(log, bank)
	knowledge := handlers.NewKnowledgeHandler(log, bank)
	retrieval := handlers.NewRetrievalHandler(log, bank)
	insights := handlers.NewInsightsHandler(log, bank)

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth, log, bank))

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/text", ingestion.Text)
			r.Post("/url", ingestion.URL)
			r.Post("/file", ingestion.File)
			r.Post("/image", ingestion.Image)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobs.List)
			r.Get("/{jobID}", jobs.Get)
			r.Delete("/{jobID}", jobs.Cancel)
		})

		r.Route("/kbs", func(r chi.Router) {
			r.Get("/", knowledge.ListKBs)
			r.Post("/", knowledge.CreateKB)
			r.Patch("/{kbID}", knowledge.RenameKB)
			r.Delete("/{kbID}", knowledge.DeleteKB)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", knowledge.ListDocuments)
			r.Get("/{docID}", knowledge.GetDocument)
			r.Delete("/{docID}", knowledge.DeleteDocument)
		})

		r.Get("/clusters", knowledge.ListClusters)

		r.Post("/query", retrieval.Query)
		r.Post("/search", retrieval.Search)
		r.Get("/suggestions", retrieval.Suggestions)

		r.Route("/ideas", func(r chi.Router) {
			r.Post("/", retrieval.SaveIdea)
			r.Get("/", retrieval.ListIdeas)
			r.Patch("/{ideaID}", retrieval.UpdateIdeaStatus)
		})

		r.Get("/analytics/overview", insights.Overview)
		r.Get("/usage", insights.Usage)
	})

	return r
}

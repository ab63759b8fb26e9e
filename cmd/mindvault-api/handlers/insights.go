package handlers

import (
	"net/http"

	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
)

// InsightsHandler serves analytics and usage accounting.
type InsightsHandler struct {
	log  *observability.Logger
	bank *knowledgebank.Service
}

// NewInsightsHandler creates an insights handler.
func NewInsightsHandler(log *observability.Logger, bank *knowledgebank.Service) *InsightsHandler {
	return &InsightsHandler{log: log, bank: bank}
}

// Overview handles GET /v1/analytics/overview.
func (h *InsightsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.bank.Overview(r.Context(), middleware.Owner(r.Context()))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// Usage handles GET /v1/usage.
func (h *InsightsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	summary, err := h.bank.Usage(r.Context(), middleware.Owner(r.Context()))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

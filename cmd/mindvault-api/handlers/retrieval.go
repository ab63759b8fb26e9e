package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/internal/suggest"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
)

// RetrievalHandler answers questions, searches chunks, and manages build
// suggestions.
type RetrievalHandler struct {
	log  *observability.Logger
	bank *knowledgebank.Service
}

// NewRetrievalHandler creates a retrieval handler.
func NewRetrievalHandler(log *observability.Logger, bank *knowledgebank.Service) *RetrievalHandler {
	return &RetrievalHandler{log: log, bank: bank}
}

// QueryDTO is the request body for RAG queries.
type QueryDTO struct {
	Question string `json:"question"`
	KBID     string `json:"kb_id,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// SearchDTO is the request body for retrieval-only search.
type SearchDTO struct {
	Query string `json:"query"`
	KBID  string `json:"kb_id,omitempty"`
	TopK  int    `json:"top_k,omitempty"`
}

// Query handles POST /v1/query.
func (h *RetrievalHandler) Query(w http.ResponseWriter, r *http.Request) {
	var dto QueryDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(dto.Question) == "" {
		writeError(h.log, w, apperr.Validation("question is required"))
		return
	}
	kbID, err := parseKB(dto.KBID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	answer, err := h.bank.Query(r.Context(), middleware.Owner(r.Context()), kbID, dto.Question, dto.TopK)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// Search handles POST /v1/search.
func (h *RetrievalHandler) Search(w http.ResponseWriter, r *http.Request) {
	var dto SearchDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(dto.Query) == "" {
		writeError(h.log, w, apperr.Validation("query is required"))
		return
	}
	kbID, err := parseKB(dto.KBID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	res, err := h.bank.Search(r.Context(), middleware.Owner(r.Context()), kbID, dto.Query, dto.TopK)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Suggestions handles GET /v1/suggestions?kb_id=&max=.
func (h *RetrievalHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	kbID, err := parseKB(r.URL.Query().Get("kb_id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	max, err := queryInt(r, "max")
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	suggestions, err := h.bank.Suggest(r.Context(), middleware.Owner(r.Context()), kbID, max)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}

// SaveIdeaDTO is the request body for persisting a suggestion.
type SaveIdeaDTO struct {
	KBID       string              `json:"kb_id,omitempty"`
	Suggestion *suggest.Suggestion `json:"suggestion"`
}

// SaveIdea handles POST /v1/ideas.
func (h *RetrievalHandler) SaveIdea(w http.ResponseWriter, r *http.Request) {
	var dto SaveIdeaDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	if dto.Suggestion == nil || strings.TrimSpace(dto.Suggestion.Title) == "" {
		writeError(h.log, w, apperr.Validation("suggestion with a title is required"))
		return
	}
	kbID, err := parseKB(dto.KBID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	idea, err := h.bank.SaveIdea(r.Context(), middleware.Owner(r.Context()), kbID, dto.Suggestion)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idea)
}

// ListIdeas handles GET /v1/ideas?kb_id=&status=.
func (h *RetrievalHandler) ListIdeas(w http.ResponseWriter, r *http.Request) {
	kbID, err := parseKB(r.URL.Query().Get("kb_id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	status := storage.IdeaStatus(r.URL.Query().Get("status"))

	ideas, err := h.bank.Ideas(r.Context(), middleware.Owner(r.Context()), kbID, status)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ideas": ideas})
}

// IdeaStatusDTO carries the new status for an idea seed.
type IdeaStatusDTO struct {
	Status string `json:"status"`
}

// UpdateIdeaStatus handles PATCH /v1/ideas/{ideaID}.
func (h *RetrievalHandler) UpdateIdeaStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "ideaID"))
	if err != nil {
		writeError(h.log, w, apperr.Validation("idea id must be a UUID"))
		return
	}
	var dto IdeaStatusDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}

	err = h.bank.UpdateIdeaStatus(r.Context(), middleware.Owner(r.Context()), id, storage.IdeaStatus(dto.Status))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

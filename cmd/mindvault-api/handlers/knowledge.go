package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
)

// KnowledgeHandler manages knowledge bases, documents, and clusters.
type KnowledgeHandler struct {
	log  *observability.Logger
	bank *knowledgebank.Service
}

// NewKnowledgeHandler creates a knowledge handler.
func NewKnowledgeHandler(log *observability.Logger, bank *knowledgebank.Service) *KnowledgeHandler {
	return &KnowledgeHandler{log: log, bank: bank}
}

// KBNameDTO carries a knowledge-base name for create and rename.
type KBNameDTO struct {
	Name string `json:"name"`
}

// ListKBs handles GET /v1/kbs.
func (h *KnowledgeHandler) ListKBs(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.bank.KnowledgeBases(r.Context(), middleware.Owner(r.Context()))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"knowledge_bases": kbs})
}

// CreateKB handles POST /v1/kbs.
func (h *KnowledgeHandler) CreateKB(w http.ResponseWriter, r *http.Request) {
	var dto KBNameDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(dto.Name) == "" {
		writeError(h.log, w, apperr.Validation("name is required"))
		return
	}

	kb, err := h.bank.CreateKnowledgeBase(r.Context(), middleware.Owner(r.Context()), dto.Name)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

// RenameKB handles PATCH /v1/kbs/{kbID}.
func (h *KnowledgeHandler) RenameKB(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(h.log, w, apperr.Validation("knowledge base id must be a UUID"))
		return
	}
	var dto KBNameDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(dto.Name) == "" {
		writeError(h.log, w, apperr.Validation("name is required"))
		return
	}

	if err := h.bank.RenameKnowledgeBase(r.Context(), middleware.Owner(r.Context()), id, dto.Name); err != nil {
		writeError(h.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteKB handles DELETE /v1/kbs/{kbID}. Only empty, non-default
// knowledge bases can be deleted.
func (h *KnowledgeHandler) DeleteKB(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(h.log, w, apperr.Validation("knowledge base id must be a UUID"))
		return
	}

	if err := h.bank.DeleteKnowledgeBase(r.Context(), middleware.Owner(r.Context()), id); err != nil {
		writeError(h.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDocuments handles GET /v1/documents?kb_id=&limit=&offset=.
func (h *KnowledgeHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	kbID, err := parseKB(r.URL.Query().Get("kb_id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	docs, err := h.bank.Documents(r.Context(), middleware.Owner(r.Context()), kbID, limit, offset)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// GetDocument handles GET /v1/documents/{docID}.
func (h *KnowledgeHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := strconv.ParseInt(chi.URLParam(r, "docID"), 10, 64)
	if err != nil {
		writeError(h.log, w, apperr.Validation("document id must be an integer"))
		return
	}

	doc, err := h.bank.Document(r.Context(), middleware.Owner(r.Context()), docID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /v1/documents/{docID}.
func (h *KnowledgeHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := strconv.ParseInt(chi.URLParam(r, "docID"), 10, 64)
	if err != nil {
		writeError(h.log, w, apperr.Validation("document id must be an integer"))
		return
	}

	if err := h.bank.DeleteDocument(r.Context(), middleware.Owner(r.Context()), docID); err != nil {
		writeError(h.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListClusters handles GET /v1/clusters?kb_id=.
func (h *KnowledgeHandler) ListClusters(w http.ResponseWriter, r *http.Request) {
	kbID, err := parseKB(r.URL.Query().Get("kb_id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	clusters, err := h.bank.Clusters(r.Context(), middleware.Owner(r.Context()), kbID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters})
}

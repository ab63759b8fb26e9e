package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"

	"github.com/mindvault-ai/mindvault/cmd/mindvault-api/middleware"
)

// IngestionHandler accepts sources and queues their processing jobs.
type IngestionHandler struct {
	log       *observability.Logger
	bank      *knowledgebank.Service
	maxUpload int64
}

// NewIngestionHandler creates an ingestion handler.
func NewIngestionHandler(log *observability.Logger, bank *knowledgebank.Service, maxUpload int64) *IngestionHandler {
	return &IngestionHandler{log: log, bank: bank, maxUpload: maxUpload}
}

// TextIngestDTO is the request body for text ingestion.
type TextIngestDTO struct {
	Text     string `json:"text"`
	KBID     string `json:"kb_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// URLIngestDTO is the request body for URL ingestion.
type URLIngestDTO struct {
	URL  string `json:"url"`
	KBID string `json:"kb_id,omitempty"`
}

// Text handles POST /v1/ingest/text.
func (h *IngestionHandler) Text(w http.ResponseWriter, r *http.Request) {
	var dto TextIngestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	kbID, err := parseKB(dto.KBID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	receipt, err := h.bank.Ingest(r.Context(), middleware.Owner(r.Context()), &knowledgebank.IngestRequest{
		KBID:       kbID,
		SourceType: storage.SourceTypeText,
		Filename:   dto.Filename,
		Data:       []byte(dto.Text),
	})
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// URL handles POST /v1/ingest/url.
func (h *IngestionHandler) URL(w http.ResponseWriter, r *http.Request) {
	var dto URLIngestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(h.log, w, apperr.Validation("invalid request body"))
		return
	}
	kbID, err := parseKB(dto.KBID)
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	receipt, err := h.bank.Ingest(r.Context(), middleware.Owner(r.Context()), &knowledgebank.IngestRequest{
		KBID:       kbID,
		SourceType: storage.SourceTypeURL,
		URL:        dto.URL,
	})
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// File handles POST /v1/ingest/file. The body is multipart with the
// upload under "file" and an optional "kb_id" field.
func (h *IngestionHandler) File(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, storage.SourceTypeFile)
}

// Image handles POST /v1/ingest/image, same shape as File.
func (h *IngestionHandler) Image(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, storage.SourceTypeImage)
}

func (h *IngestionHandler) upload(w http.ResponseWriter, r *http.Request, source storage.SourceType) {
	// Bound the whole body; the service enforces the exact payload limit.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(h.log, w, apperr.Wrap(apperr.KindValidation, "multipart upload with a file field is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(h.log, w, apperr.Wrap(apperr.KindValidation, "upload exceeds the size limit or was truncated", err))
		return
	}
	kbID, err := parseKB(r.FormValue("kb_id"))
	if err != nil {
		writeError(h.log, w, err)
		return
	}

	receipt, err := h.bank.Ingest(r.Context(), middleware.Owner(r.Context()), &knowledgebank.IngestRequest{
		KBID:       kbID,
		SourceType: source,
		Filename:   header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Data:       data,
	})
	if err != nil {
		writeError(h.log, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

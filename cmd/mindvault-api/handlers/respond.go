// Package handlers provides the HTTP handlers for the MindVault API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an error in the API wire form. Repository sentinels
// are translated to kinds first so handlers can pass storage errors
// through untouched; unclassified errors surface as internal with a
// correlation id and the cause stays in the log.
func writeError(log *observability.Logger, w http.ResponseWriter, err error) {
	var ae *apperr.Error
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ae = apperr.NotFound("resource")
	case errors.Is(err, storage.ErrNotOwner):
		ae = apperr.Forbidden("resource belongs to another user")
	case errors.Is(err, storage.ErrConflict):
		ae = apperr.Conflict(err.Error())
	default:
		ae = apperr.From(err)
	}

	if ae.Kind == apperr.KindInternal {
		log.Error().Err(err).Str("correlation_id", ae.CorrelationID).Msg("Request failed")
	}
	writeJSON(w, apperr.HTTPStatus(ae.Kind), ae)
}

// queryInt reads an optional integer query parameter. Absent means 0;
// anything present must parse.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name + " must be an integer")
	}
	return n, nil
}

// parseKB reads an optional knowledge-base id. Empty means the owner's
// default knowledge base.
func parseKB(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("kb_id must be a UUID")
	}
	return id, nil
}

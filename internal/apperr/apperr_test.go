package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := Extraction("zip", "corrupt central directory", errors.New("EOF"))
	wrapped := fmt.Errorf("stage extract: %w", base)

	assert.Equal(t, KindExtraction, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindExtraction))
}

func TestKindOf_UnclassifiedDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestQuota_CarriesLimitFields(t *testing.T) {
	resets := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := Quota("documents_per_month", 50, 50, resets)

	assert.Equal(t, KindQuota, err.Kind)
	assert.Equal(t, int64(50), err.Limit)
	assert.Equal(t, int64(50), err.Current)
	assert.Equal(t, resets, err.ResetsAt)
	assert.Equal(t, "documents_per_month", err.Details["limit_name"])
}

func TestMultiURL_CarriesParsedList(t *testing.T) {
	err := MultiURL([]string{"https://a.example", "https://b.example"})

	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, err.URLs)
}

func TestInternal_AssignsCorrelationID(t *testing.T) {
	err := Internal(errors.New("db down"))
	assert.NotEmpty(t, err.CorrelationID)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(OracleUnavailable(errors.New("timeout"))))
	assert.True(t, Transient(errors.New("unclassified")))
	assert.False(t, Transient(Validation("bad input")))
	assert.False(t, Transient(Extraction("pdf", "malformed", nil)))
	assert.False(t, Transient(OracleSchema("unparseable after repair")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindQuota))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindExtraction))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindOracleUnavailable))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindOracleSchema))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestFrom_PreservesTypedErrors(t *testing.T) {
	orig := NotFound("document")
	got := From(fmt.Errorf("lookup: %w", orig))
	assert.Equal(t, KindNotFound, got.Kind)

	internal := From(errors.New("raw"))
	assert.Equal(t, KindInternal, internal.Kind)
	assert.NotEmpty(t, internal.CorrelationID)
}

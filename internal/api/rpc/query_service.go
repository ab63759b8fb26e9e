// Package rpc provides the Connect service surface for service-to-service
// callers. Messages are hand-defined with JSON tags and served through a
// plain JSON codec; no protoc step.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// QueryProcedure is the Connect route of the unary query call.
const QueryProcedure = "/mindvault.v1.QueryService/Query"

// QueryService answers questions over Connect. Callers are trusted
// services that assert the acting user in the request message, the way
// internal RPC surfaces carry tenant identity.
type QueryService struct {
	log  *observability.Logger
	bank *knowledgebank.Service
}

// NewQueryService creates the Connect query service over the
// knowledge-bank facade.
func NewQueryService(log *observability.Logger, bank *knowledgebank.Service) *QueryService {
	return &QueryService{
		log:  log.Component("rpc"),
		bank: bank,
	}
}

// QueryRequest is the unary request message.
type QueryRequest struct {
	Owner    string `json:"owner"`
	KBID     string `json:"kb_id,omitempty"`
	Question string `json:"question"`
	TopK     int32  `json:"top_k,omitempty"`
}

// QueryResponse is the unary response message.
type QueryResponse struct {
	Answer     string  `json:"answer"`
	Citations  []int64 `json:"citations"`
	Degraded   bool    `json:"degraded"`
	ChunksUsed int32   `json:"chunks_used"`
}

// Query handles one retrieval-augmented question.
func (s *QueryService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	msg := req.Msg

	if strings.TrimSpace(msg.Owner) == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("owner is required"))
	}
	if strings.TrimSpace(msg.Question) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("question is required"))
	}

	kbID := uuid.Nil
	if msg.KBID != "" {
		parsed, err := uuid.Parse(msg.KBID)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid kb_id format"))
		}
		kbID = parsed
	}

	ans, err := s.bank.Query(ctx, msg.Owner, kbID, msg.Question, int(msg.TopK))
	if err != nil {
		if connect.CodeOf(connectError(err)) == connect.CodeInternal {
			s.log.Error().Err(err).Str("user", msg.Owner).Msg("rpc query failed")
		}
		return nil, connectError(err)
	}

	return connect.NewResponse(&QueryResponse{
		Answer:     ans.Answer,
		Citations:  ans.Citations,
		Degraded:   ans.Degraded,
		ChunksUsed: int32(ans.ChunksUsed),
	}), nil
}

// Handler returns the procedure path and the Connect handler to mount
// on it.
func (s *QueryService) Handler() (string, http.Handler) {
	return QueryProcedure, connect.NewUnaryHandler(QueryProcedure, s.Query, connect.WithCodec(jsonCodec{}))
}

// ClientOptions configure a Connect client to speak this service's
// codec.
func ClientOptions() []connect.ClientOption {
	return []connect.ClientOption{connect.WithCodec(jsonCodec{})}
}

// jsonCodec serializes the hand-defined message structs with
// encoding/json. The stock codec insists on proto messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (jsonCodec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }

// connectError maps service errors onto Connect codes so callers can
// branch without parsing messages.
func connectError(err error) *connect.Error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, storage.ErrNotOwner):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, storage.ErrConflict):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindExtraction:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case apperr.KindUnauthorized:
		return connect.NewError(connect.CodeUnauthenticated, err)
	case apperr.KindForbidden:
		return connect.NewError(connect.CodePermissionDenied, err)
	case apperr.KindQuota:
		return connect.NewError(connect.CodeResourceExhausted, err)
	case apperr.KindNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case apperr.KindConflict:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case apperr.KindCancelled:
		return connect.NewError(connect.CodeCanceled, err)
	case apperr.KindOracleUnavailable:
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

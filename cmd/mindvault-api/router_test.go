package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/api/rpc"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/monitoring"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

func newAPIServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Testing = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Cache.Driver = "memory"
	cfg.Embedding.Dimension = 8
	cfg.Ingestion.ImageStorePath = t.TempDir()
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Worker.Concurrency = 1
	cfg.Cluster.SplitInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	bank, err := knowledgebank.New(context.Background(), cfg, observability.Nop(), knowledgebank.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bank.Close() })

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bank.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(NewRouter(cfg, observability.Nop(), bank, monitoring.New()))
	t.Cleanup(srv.Close)
	return srv
}

// call sends one request as the given user and decodes the JSON reply.
func call(t *testing.T, srv *httptest.Server, user, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User", user)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// waitJob polls the job endpoint until the job finishes.
func waitJob(t *testing.T, srv *httptest.Server, user, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s did not finish", jobID)
		case <-time.After(20 * time.Millisecond):
		}
		status, job := call(t, srv, user, http.MethodGet, "/v1/jobs/"+jobID, nil)
		require.Equal(t, http.StatusOK, status)
		state := job["state"].(string)
		if state == "SUCCESS" || state == "FAILURE" {
			return job
		}
	}
}

func ingestNote(t *testing.T, srv *httptest.Server, user, text string) string {
	t.Helper()
	status, receipt := call(t, srv, user, http.MethodPost, "/v1/ingest/text",
		map[string]string{"text": text, "filename": "notes.md"})
	require.Equal(t, http.StatusAccepted, status)
	jobID := receipt["job_id"].(string)
	job := waitJob(t, srv, user, jobID)
	require.Equal(t, "SUCCESS", job["state"], "job error: %v", job["error"])
	return jobID
}

func TestProbes(t *testing.T) {
	srv := newAPIServer(t, nil)

	status, body := call(t, srv, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = call(t, srv, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "mindvault_http_requests_total")
}

func TestIngestSearchQueryFlow(t *testing.T) {
	srv := newAPIServer(t, nil)
	const user = "erin"

	ingestNote(t, srv, user,
		"Raft elects a leader per term. Followers grant votes; the leader replicates log entries and commits once a majority acknowledges.")

	status, res := call(t, srv, user, http.MethodPost, "/v1/search",
		map[string]interface{}{"query": "how does raft elect a leader", "top_k": 3})
	require.Equal(t, http.StatusOK, status)
	results := res["results"].([]interface{})
	require.NotEmpty(t, results)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "notes.md", first["filename"])
	assert.NotEmpty(t, first["content"])

	status, answer := call(t, srv, user, http.MethodPost, "/v1/query",
		map[string]interface{}{"question": "How does raft elect a leader?"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, answer["answer"])
	assert.NotEmpty(t, answer["citations"])

	status, docs := call(t, srv, user, http.MethodGet, "/v1/documents", nil)
	require.Equal(t, http.StatusOK, status)
	documents := docs["documents"].([]interface{})
	require.Len(t, documents, 1)
	docID := int64(documents[0].(map[string]interface{})["doc_id"].(float64))

	status, usage := call(t, srv, user, http.MethodGet, "/v1/usage", nil)
	require.Equal(t, http.StatusOK, status)
	counters := usage["counters"].(map[string]interface{})
	assert.Equal(t, float64(1), counters["documents_uploaded"])
	assert.GreaterOrEqual(t, counters["search_queries"].(float64), float64(1))

	status, _ = call(t, srv, user, http.MethodDelete, fmt.Sprintf("/v1/documents/%d", docID), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, res = call(t, srv, user, http.MethodPost, "/v1/search",
		map[string]interface{}{"query": "raft leader"})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, res["results"])
}

func TestKnowledgeBaseRoutes(t *testing.T) {
	srv := newAPIServer(t, nil)
	const user = "quinn"

	status, kb := call(t, srv, user, http.MethodPost, "/v1/kbs", map[string]string{"name": "reading"})
	require.Equal(t, http.StatusCreated, status)
	kbID := kb["id"].(string)

	status, _ = call(t, srv, user, http.MethodPatch, "/v1/kbs/"+kbID, map[string]string{"name": "research"})
	assert.Equal(t, http.StatusNoContent, status)

	status, list := call(t, srv, user, http.MethodGet, "/v1/kbs", nil)
	require.Equal(t, http.StatusOK, status)
	kbs := list["knowledge_bases"].([]interface{})
	require.Len(t, kbs, 2) // default plus the new one
	names := []string{}
	var defaultID string
	for _, item := range kbs {
		entry := item.(map[string]interface{})
		names = append(names, entry["name"].(string))
		if entry["is_default"].(bool) {
			defaultID = entry["id"].(string)
		}
	}
	assert.Contains(t, names, "research")

	// The default knowledge base cannot be deleted.
	status, body := call(t, srv, user, http.MethodDelete, "/v1/kbs/"+defaultID, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["error"])

	status, _ = call(t, srv, user, http.MethodDelete, "/v1/kbs/"+kbID, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestErrorContract(t *testing.T) {
	srv := newAPIServer(t, nil)
	const user = "casey"

	cases := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantKind   string
	}{
		{"blank text", http.MethodPost, "/v1/ingest/text", map[string]string{"text": "   "}, http.StatusBadRequest, "validation"},
		{"missing question", http.MethodPost, "/v1/query", map[string]string{}, http.StatusBadRequest, "validation"},
		{"malformed job id", http.MethodGet, "/v1/jobs/not-a-uuid", nil, http.StatusBadRequest, "validation"},
		{"unknown job", http.MethodGet, "/v1/jobs/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil, http.StatusNotFound, "not_found"},
		{"bad document id", http.MethodGet, "/v1/documents/abc", nil, http.StatusBadRequest, "validation"},
		{"unknown kb", http.MethodDelete, "/v1/kbs/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil, http.StatusNotFound, "not_found"},
		{"suggestions on empty bank", http.MethodGet, "/v1/suggestions", nil, http.StatusBadRequest, "validation"},
		{"junk limit", http.MethodGet, "/v1/documents?limit=abc", nil, http.StatusBadRequest, "validation"},
		{"junk offset", http.MethodGet, "/v1/documents?offset=x", nil, http.StatusBadRequest, "validation"},
		{"junk jobs limit", http.MethodGet, "/v1/jobs?limit=many", nil, http.StatusBadRequest, "validation"},
		{"junk suggestions max", http.MethodGet, "/v1/suggestions?max=lots", nil, http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := call(t, srv, user, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantKind, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestMultiURLRejectionCarriesParsedList(t *testing.T) {
	srv := newAPIServer(t, nil)

	status, body := call(t, srv, "sam", http.MethodPost, "/v1/ingest/url",
		map[string]string{"url": "https://a.example.com/one https://b.example.com/two"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["error"])
	urls := body["urls"].([]interface{})
	assert.Len(t, urls, 2)
}

func TestFileUpload(t *testing.T) {
	srv := newAPIServer(t, nil)
	const user = "drew"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "til.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# TIL\n\nsqlite WAL mode allows one writer and many readers."))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest/file", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User", user)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var receipt map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	job := waitJob(t, srv, user, receipt["job_id"].(string))
	assert.Equal(t, "SUCCESS", job["state"], "job error: %v", job["error"])
}

func TestAuthRequiresValidToken(t *testing.T) {
	const secret = "open-sesame"
	srv := newAPIServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = secret
	})

	get := func(authorization string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/kbs", nil)
		require.NoError(t, err)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get(""))
	assert.Equal(t, http.StatusUnauthorized, get("Bearer garbage"))
	assert.Equal(t, http.StatusUnauthorized, get("Basic dXNlcjpwYXNz"))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jamie",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get("Bearer "+token))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jamie",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+expired))
}

func TestConnectQueryMountedUnderRPC(t *testing.T) {
	srv := newAPIServer(t, nil)
	const user = "morgan"

	ingestNote(t, srv, user,
		"The bloom filter trades false positives for constant-space membership tests.")

	client := connect.NewClient[rpc.QueryRequest, rpc.QueryResponse](
		srv.Client(), srv.URL+"/rpc"+rpc.QueryProcedure, rpc.ClientOptions()...)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&rpc.QueryRequest{
		Owner:    user,
		Question: "What does a bloom filter trade away?",
	}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Msg.Answer, "Based on your notes:"))
	assert.NotEmpty(t, resp.Msg.Citations)
}

package knowledgebank

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/rag"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

const testDim = 8

const channelNotes = `Goroutines are lightweight threads managed by the Go runtime. Channels
connect goroutines: unbuffered channels synchronize senders and receivers, while
buffered channels decouple them up to their capacity. Select statements let one
goroutine wait on several channels at once, and closing a channel broadcasts
completion to every receiver still draining it.`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Testing = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Cache.Driver = "memory"
	cfg.Embedding.Dimension = testDim
	cfg.Ingestion.ImageStorePath = t.TempDir()
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Worker.Concurrency = 1
	cfg.Worker.DrainTimeout = time.Second
	cfg.Cluster.SplitInterval = time.Hour
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, opts Options) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, observability.Nop(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startWorker(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForJob(t *testing.T, svc *Service, owner string, id uuid.UUID) *storage.Job {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s did not reach a terminal state", id)
		case <-time.After(20 * time.Millisecond):
		}
		job, err := svc.JobStatus(context.Background(), owner, id)
		require.NoError(t, err)
		if job.Terminal() {
			return job
		}
	}
}

func ingestText(t *testing.T, svc *Service, owner, text string) *IngestReceipt {
	t.Helper()
	rec, err := svc.Ingest(context.Background(), owner, &IngestRequest{
		SourceType: storage.SourceTypeText,
		Filename:   "notes.txt",
		Data:       []byte(text),
	})
	require.NoError(t, err)
	job := waitForJob(t, svc, owner, rec.JobID)
	require.Equalf(t, storage.JobStateSuccess, job.State, "ingest job failed: %v", job.Error)
	return rec
}

// countingOracle wraps the mock to count chat completions, proving
// cache hits never reach the model.
type countingOracle struct {
	*oracle.MockOracle
	chats atomic.Int64
}

func (c *countingOracle) Chat(ctx context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
	c.chats.Add(1)
	return c.MockOracle.Chat(ctx, req)
}

func TestIngestTextToAnswer(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	rec := ingestText(t, svc, owner, channelNotes)

	docs, err := svc.Documents(ctx, owner, uuid.Nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, rec.DocID, docs[0].DocID)
	require.NotNil(t, docs[0].ClusterName, "committed document must carry its cluster")

	res, err := svc.Search(ctx, owner, uuid.Nil, "buffered channels goroutines", 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, rec.DocID, res.Results[0].DocID)
	assert.Equal(t, "notes.txt", res.Results[0].Filename)
	assert.NotEmpty(t, res.Results[0].Content)

	ans, err := svc.Query(ctx, owner, uuid.Nil, "How do buffered channels behave?", 5)
	require.NoError(t, err)
	assert.NotEqual(t, rag.NoAnswer, ans.Answer)
	assert.Contains(t, ans.Citations, rec.DocID)
	assert.Greater(t, ans.ChunksUsed, 0)

	ov, err := svc.Overview(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ov.TotalDocuments)
	assert.GreaterOrEqual(t, ov.TotalClusters, int64(1))

	sum, err := svc.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Counters.DocumentsUploaded)
	assert.Greater(t, sum.Counters.StorageBytes, int64(0))
	assert.GreaterOrEqual(t, sum.Counters.SearchQueries, int64(1))
	assert.GreaterOrEqual(t, sum.Counters.AIRequests, int64(1))
}

func TestDocumentsDefaultPageSize(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	rec := ingestText(t, svc, owner, channelNotes)

	// Callers that never set a page size still get a page, not LIMIT 0.
	docs, err := svc.Documents(ctx, owner, uuid.Nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, rec.DocID, docs[0].DocID)

	docs, err = svc.Documents(ctx, owner, uuid.Nil, -3, -7)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func nestedZip(t *testing.T, depth int) []byte {
	t.Helper()
	payload := []byte("innermost text")
	name := "notes.txt"
	for i := 0; i < depth; i++ {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		payload = buf.Bytes()
		name = fmt.Sprintf("layer%d.zip", i+1)
	}
	return payload
}

func TestFailedIngestReleasesQuotaClaim(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	rec, err := svc.Ingest(ctx, owner, &IngestRequest{
		SourceType: storage.SourceTypeFile,
		Filename:   "bundle.zip",
		Data:       nestedZip(t, 7),
	})
	require.NoError(t, err)
	job := waitForJob(t, svc, owner, rec.JobID)
	require.Equal(t, storage.JobStateFailure, job.State)

	// The admission claim was handed back with the failure, so the
	// month's allowance is untouched.
	sum, err := svc.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Counters.DocumentsUploaded)
	assert.Equal(t, int64(0), sum.Counters.StorageBytes)
}

func TestCancelledPendingIngestReleasesQuotaClaim(t *testing.T) {
	// No worker: the job stays pending so the cancel deletes it.
	svc := newTestService(t, testConfig(t), Options{})
	ctx := context.Background()
	owner := "casey"

	rec, err := svc.Ingest(ctx, owner, &IngestRequest{
		SourceType: storage.SourceTypeText,
		Filename:   "notes.txt",
		Data:       []byte(channelNotes),
	})
	require.NoError(t, err)

	sum, err := svc.Usage(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(1), sum.Counters.DocumentsUploaded)

	deleted, err := svc.CancelJob(ctx, owner, rec.JobID)
	require.NoError(t, err)
	require.True(t, deleted)

	sum, err = svc.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Counters.DocumentsUploaded)
	assert.Equal(t, int64(0), sum.Counters.StorageBytes)
}

func TestQueryEmptyKnowledgeBase(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	ctx := context.Background()

	ans, err := svc.Query(ctx, "casey", uuid.Nil, "what do I know about rust?", 5)
	require.NoError(t, err)
	assert.Equal(t, rag.NoAnswer, ans.Answer)
	assert.Empty(t, ans.Citations)
}

func TestIngestRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.MaxUploadBytes = 64
	svc := newTestService(t, cfg, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  *IngestRequest
	}{
		{"blank text", &IngestRequest{SourceType: storage.SourceTypeText, Data: []byte("   ")}},
		{"file without filename", &IngestRequest{SourceType: storage.SourceTypeFile, Data: []byte("x")}},
		{"empty image", &IngestRequest{SourceType: storage.SourceTypeImage, MimeType: "image/png"}},
		{"unknown source type", &IngestRequest{SourceType: "carrier-pigeon", Data: []byte("x")}},
		{"oversized upload", &IngestRequest{SourceType: storage.SourceTypeText, Data: []byte(strings.Repeat("a", 65))}},
		{"several urls at once", &IngestRequest{SourceType: storage.SourceTypeURL, URL: "https://a.example.com https://b.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, "casey", tc.req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	_, err := svc.Ingest(ctx, "", &IngestRequest{SourceType: storage.SourceTypeText, Data: []byte("hi")})
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestIngestURLQueuesValidatedTarget(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	svc.urls.LookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	ctx := context.Background()

	rec, err := svc.Ingest(ctx, "casey", &IngestRequest{
		SourceType: storage.SourceTypeURL,
		URL:        "  https://example.com/articles/go-channels  ",
	})
	require.NoError(t, err)

	// No worker is running, so the queued payload is inspectable.
	job, err := svc.JobStatus(ctx, "casey", rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatePending, job.State)

	var pl ingest.Payload
	require.NoError(t, json.Unmarshal(job.Payload, &pl))
	assert.Equal(t, "https://example.com/articles/go-channels", pl.SourceURL)
	assert.Equal(t, pl.SourceURL, string(pl.Data))
	assert.Equal(t, rec.DocID, pl.DocID)
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	kbs, err := svc.KnowledgeBases(ctx, owner)
	require.NoError(t, err)
	require.Len(t, kbs, 1)
	assert.True(t, kbs[0].IsDefault)

	work, err := svc.CreateKnowledgeBase(ctx, owner, "  Work Notes ")
	require.NoError(t, err)
	assert.Equal(t, "Work Notes", work.Name)
	require.NoError(t, svc.RenameKnowledgeBase(ctx, owner, work.ID, "Research"))

	rec, err := svc.Ingest(ctx, owner, &IngestRequest{
		KBID:       work.ID,
		SourceType: storage.SourceTypeText,
		Filename:   "research.txt",
		Data:       []byte(channelNotes),
	})
	require.NoError(t, err)
	job := waitForJob(t, svc, owner, rec.JobID)
	require.Equal(t, storage.JobStateSuccess, job.State)

	err = svc.DeleteKnowledgeBase(ctx, owner, work.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "non-empty base must refuse deletion")

	require.NoError(t, svc.DeleteDocument(ctx, owner, rec.DocID))
	require.NoError(t, svc.DeleteKnowledgeBase(ctx, owner, work.ID))

	err = svc.DeleteKnowledgeBase(ctx, owner, kbs[0].ID)
	assert.ErrorIs(t, err, storage.ErrConflict, "default base must refuse deletion")

	_, err = svc.Documents(ctx, "riley", kbs[0].ID, 10, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound, "bases are invisible across owners")
}

func TestKnowledgeBaseQuota(t *testing.T) {
	cfg := testConfig(t)
	cfg.Testing = false
	svc := newTestService(t, cfg, Options{Oracle: oracle.NewMock(testDim)})
	ctx := context.Background()
	owner := "casey"

	// The default base plus two named ones fill the free plan.
	_, err := svc.KnowledgeBases(ctx, owner)
	require.NoError(t, err)
	for _, name := range []string{"second", "third"} {
		_, err := svc.CreateKnowledgeBase(ctx, owner, name)
		require.NoError(t, err)
	}

	_, err = svc.CreateKnowledgeBase(ctx, owner, "fourth")
	assert.Equal(t, apperr.KindQuota, apperr.KindOf(err))
}

func TestDeleteDocumentRemovesFromSearch(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	rec := ingestText(t, svc, owner, channelNotes)

	res, err := svc.Search(ctx, owner, uuid.Nil, "goroutines channels", 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)

	require.NoError(t, svc.DeleteDocument(ctx, owner, rec.DocID))

	// The cached result set was invalidated along with the document.
	res, err = svc.Search(ctx, owner, uuid.Nil, "goroutines channels", 5)
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	err = svc.DeleteDocument(ctx, owner, rec.DocID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	docs, err := svc.Documents(ctx, owner, uuid.Nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCancelPendingJob(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	ctx := context.Background()

	rec, err := svc.Ingest(ctx, "casey", &IngestRequest{
		SourceType: storage.SourceTypeText,
		Filename:   "n.txt",
		Data:       []byte(channelNotes),
	})
	require.NoError(t, err)

	deleted, err := svc.CancelJob(ctx, "casey", rec.JobID)
	require.NoError(t, err)
	assert.True(t, deleted, "a job no worker claimed is deleted outright")

	_, err = svc.JobStatus(ctx, "casey", rec.JobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	jobs, err := svc.Jobs(ctx, "casey", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSuggestCachesUntilKnowledgeChanges(t *testing.T) {
	cfg := testConfig(t)
	counting := &countingOracle{MockOracle: oracle.NewMock(testDim)}
	svc := newTestService(t, cfg, Options{Oracle: counting})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	ingestText(t, svc, owner, channelNotes)

	first, err := svc.Suggest(ctx, owner, uuid.Nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	calls := counting.chats.Load()

	second, err := svc.Suggest(ctx, owner, uuid.Nil, 0)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	assert.Equal(t, first[0].Title, second[0].Title)
	assert.Equal(t, calls, counting.chats.Load(), "cache hit must not reach the oracle")

	sum, err := svc.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Counters.BuildSuggestions, "cache hits are not generation runs")
}

func TestSaveIdeaLifecycle(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})
	startWorker(t, svc)
	ctx := context.Background()
	owner := "casey"

	ingestText(t, svc, owner, channelNotes)

	suggestions, err := svc.Suggest(ctx, owner, uuid.Nil, 3)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)

	seed, err := svc.SaveIdea(ctx, owner, uuid.Nil, suggestions[0])
	require.NoError(t, err)
	assert.Equal(t, storage.IdeaStatusSaved, seed.Status)
	assert.Equal(t, suggestions[0].Title, seed.Title)

	ideas, err := svc.Ideas(ctx, owner, uuid.Nil, storage.IdeaStatusSaved)
	require.NoError(t, err)
	require.Len(t, ideas, 1)
	assert.Equal(t, seed.ID, ideas[0].ID)

	require.NoError(t, svc.UpdateIdeaStatus(ctx, owner, seed.ID, storage.IdeaStatusCompleted))

	err = svc.UpdateIdeaStatus(ctx, owner, seed.ID, "bogus")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = svc.UpdateIdeaStatus(ctx, owner, uuid.New(), storage.IdeaStatusDismissed)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.SaveIdea(ctx, owner, uuid.Nil, nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

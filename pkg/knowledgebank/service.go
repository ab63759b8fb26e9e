// Package knowledgebank composes the storage, ingestion, retrieval,
// and accounting layers into one embeddable service. The HTTP API, the
// RPC surface, and the worker binary all drive this type; tests build
// it over SQLite and the mock oracle to run ingest-to-answer flows in
// process.
package knowledgebank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/analytics"
	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/cluster"
	"github.com/mindvault-ai/mindvault/internal/concepts"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/embedding"
	"github.com/mindvault-ai/mindvault/internal/images"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/jobs"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/rag"
	"github.com/mindvault-ai/mindvault/internal/retrieval"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/internal/suggest"
	"github.com/mindvault-ai/mindvault/internal/summarize"
	"github.com/mindvault-ai/mindvault/internal/usage"
)

// Options overrides pieces of the service wiring. Nil fields are built
// from the configuration; injected ones belong to the caller and are
// not closed with the service.
type Options struct {
	Store  *storage.Store
	Cache  cache.Client
	Oracle oracle.Oracle
}

// Service is the composition root of the knowledge bank. One instance
// serves every user; per-request identity arrives as the owner
// argument on each method.
type Service struct {
	cfg *config.Config
	log *observability.Logger

	store      *storage.Store
	queueStore *storage.Store
	cache      cache.Client
	oracle     oracle.Oracle

	embedder    *embedding.Service
	pipeline    *ingest.Pipeline
	urls        *ingest.URLValidator
	images      *images.Store
	queue       *jobs.Queue
	pool        *jobs.Pool
	retriever   *retrieval.Engine
	rag         *rag.Orchestrator
	suggester   *suggest.Suggester
	clusters    *cluster.Engine
	analytics   *analytics.Service
	accountant  *usage.Accountant
	invalidator *cache.Invalidator

	ownsStore bool
	ownsCache bool
}

// New builds a service from configuration. ctx bounds schema creation
// and the initial cache ping. In testing mode the oracle is the
// deterministic mock and quota gates are disabled; accounting still
// runs.
func New(ctx context.Context, cfg *config.Config, log *observability.Logger, opts Options) (*Service, error) {
	if log == nil {
		log = observability.Nop()
	}
	s := &Service{cfg: cfg, log: log.Component("knowledgebank")}

	s.store = opts.Store
	if s.store == nil {
		store, err := openStore(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), cfg.Embedding.Dimension)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.ownsStore = true
	}

	// Jobs can live in their own database so several API processes
	// share one queue without sharing primary storage.
	s.queueStore = s.store
	if cfg.Queue.DSN != "" && cfg.Queue.DSN != cfg.DatabaseDSN() {
		qs, err := openStore(ctx, driverFor(cfg.Queue.DSN), cfg.Queue.DSN, cfg.Embedding.Dimension)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("queue store: %w", err)
		}
		s.queueStore = qs
	}

	s.cache = opts.Cache
	if s.cache == nil {
		c, err := newCache(cfg.Cache)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.cache = c
		s.ownsCache = true
	}

	s.oracle = opts.Oracle
	if s.oracle == nil {
		if cfg.Testing {
			s.oracle = oracle.NewMock(cfg.Embedding.Dimension)
		} else {
			orc, err := oracle.NewClient(oracle.Config{
				Endpoint:       cfg.Oracle.Endpoint,
				APIKey:         cfg.Oracle.APIKey,
				ChatModel:      cfg.Oracle.ChatModel,
				EmbeddingModel: cfg.Oracle.EmbeddingModel,
				VisionModel:    cfg.Oracle.VisionModel,
				Dimension:      cfg.Embedding.Dimension,
				Timeout:        cfg.Oracle.Timeout,
				MaxRetries:     cfg.Oracle.MaxRetries,
			})
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			s.oracle = orc
		}
	}

	imgs, err := images.NewStore(cfg.Ingestion.ImageStorePath)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.images = imgs

	s.embedder = embedding.NewService(cfg.Embedding, s.oracle, log)
	s.clusters = cluster.NewEngine(cfg.Cluster, log)
	s.invalidator = cache.NewInvalidator(s.cache)
	s.retriever = retrieval.NewEngine(s.store, s.embedder, s.oracle, cfg.Retrieval, log)
	s.pipeline = ingest.NewPipeline(log, ingest.Deps{
		Store:       s.store,
		Extractor:   ingest.NewExtractor(cfg.Ingestion, s.oracle, log),
		Chunker:     ingest.NewChunker(cfg.Ingestion),
		Embedder:    s.embedder,
		Concepts:    concepts.NewExtractor(cfg.Concepts, s.oracle, log),
		Clusters:    s.clusters,
		Summarizer:  summarize.NewSummarizer(s.oracle, log),
		Images:      imgs,
		Invalidator: s.invalidator,
		Indexer:     s.retriever,
	}, ingest.LearningConfig{Enabled: cfg.Concepts.LearningEnabled, Floor: cfg.Concepts.LowConfidenceFloor})
	s.urls = ingest.NewURLValidator()
	s.queue = jobs.NewQueue(s.queueStore, cfg.Queue, log)
	s.pool = jobs.NewPool(s.queueStore, cfg.Queue, cfg.Worker, log)
	s.pool.Register(ingest.TaskIngestDocument, s.handleIngest)
	s.rag = rag.NewOrchestrator(s.store, s.retriever, s.oracle, cfg.RAG, log)
	s.suggester = suggest.NewSuggester(s.store, s.oracle, log)
	s.analytics = analytics.NewService(s.store, s.cache, log)
	s.accountant = usage.NewAccountant(s.store, s.cache, cfg.Usage, cfg.Testing, log)

	return s, nil
}

func openStore(ctx context.Context, driver, dsn string, embeddingDim int) (*storage.Store, error) {
	store, err := storage.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureSchema(ctx, store.DB(), store.Dialect(), embeddingDim); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// driverFor sniffs the driver from a DSN the way DATABASE_URL handling
// does: postgres URLs are explicit, anything else is a SQLite path.
func driverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func newCache(cfg config.CacheConfig) (cache.Client, error) {
	if cfg.Driver == "redis" {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(0), nil
}

// handleIngest adapts the document pipeline to the queue's handler
// shape. A payload that fails to decode is a permanent failure, not a
// retry. The admission gate claimed the document's allowance up front;
// an error the pool will not retry hands it back here, before the
// terminal state lands, so a reported FAILURE never holds a slot.
func (s *Service) handleIngest(ctx context.Context, job *storage.Job, progress jobs.ProgressFunc, cancelled jobs.CancelFunc) (json.RawMessage, error) {
	var pl ingest.Payload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		s.accountant.ReleaseIngest(ctx, job.Owner, 0)
		return nil, apperr.Wrap(apperr.KindValidation, "malformed ingest payload", err)
	}
	res, err := s.pipeline.Process(ctx, &pl, ingest.ProgressFunc(progress), ingest.CancelFunc(cancelled))
	if err != nil {
		if !apperr.Transient(err) || job.Attempts >= job.MaxAttempts {
			s.accountant.ReleaseIngest(ctx, pl.Owner, int64(len(pl.Data)))
		}
		return nil, err
	}
	return json.Marshal(res)
}

// Run executes the embedded worker pool and the cluster maintenance
// loop until ctx is cancelled. It blocks.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.clusters.Schedule(ctx, s.store)
	}()
	s.pool.Run(ctx)
	wg.Wait()
}

// OnJobDone registers an observer for finished job executions. The
// binaries hand it straight to their metrics.
func (s *Service) OnJobDone(fn jobs.JobObserver) { s.pool.OnJobDone(fn) }

// QueueDepth reports pending plus running jobs.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Depth(ctx)
}

// Ready reports whether the primary database answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.DB().PingContext(ctx)
}

// EnsureUser validates the caller identity and guarantees the user row
// the ownership foreign keys hang off. Every entry point calls it; the
// dev identity middleware calls it directly.
func (s *Service) EnsureUser(ctx context.Context, owner string) error {
	if strings.TrimSpace(owner) == "" {
		return apperr.Unauthorized("missing user identity")
	}
	return s.store.Repos().Users.EnsureExists(ctx, owner)
}

// resolveKB maps the zero UUID to the owner's default knowledge base,
// creating it on first touch, and verifies ownership otherwise.
func (s *Service) resolveKB(ctx context.Context, owner string, kbID uuid.UUID) (*storage.KnowledgeBase, error) {
	if kbID == uuid.Nil {
		return s.store.Repos().KnowledgeBases.GetDefault(ctx, owner)
	}
	return s.store.Repos().KnowledgeBases.GetByID(ctx, owner, kbID)
}

// Close releases resources the service opened itself. Injected stores
// and caches stay open for their owners.
func (s *Service) Close() error {
	var firstErr error
	if s.ownsCache && s.cache != nil {
		if err := s.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if s.queueStore != nil && s.queueStore != s.store {
		if err := s.queueStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

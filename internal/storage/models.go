// Package storage provides database models and repositories for MindVault.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Plan represents subscription plan tiers.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// SourceType represents how a document entered the system.
type SourceType string

const (
	SourceTypeText  SourceType = "text"
	SourceTypeURL   SourceType = "url"
	SourceTypeFile  SourceType = "file"
	SourceTypeImage SourceType = "image"
)

// StageStatus represents per-stage pipeline progress on a document.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// ChunkType distinguishes parent chunks from their overlapping children.
type ChunkType string

const (
	ChunkTypeParent ChunkType = "parent"
	ChunkTypeChild  ChunkType = "child"
)

// ConceptCategory classifies an extracted concept.
type ConceptCategory string

const (
	ConceptCategoryLanguage  ConceptCategory = "language"
	ConceptCategoryFramework ConceptCategory = "framework"
	ConceptCategoryConcept   ConceptCategory = "concept"
	ConceptCategoryTool      ConceptCategory = "tool"
	ConceptCategoryDomain    ConceptCategory = "domain"
)

// SkillLevel represents the difficulty profile of content.
type SkillLevel string

const (
	SkillLevelBeginner     SkillLevel = "beginner"
	SkillLevelIntermediate SkillLevel = "intermediate"
	SkillLevelAdvanced     SkillLevel = "advanced"
	SkillLevelUnknown      SkillLevel = "unknown"
)

// SummaryLevel indicates where a summary sits in the hierarchy.
type SummaryLevel int

const (
	SummaryLevelChunk    SummaryLevel = 1
	SummaryLevelSection  SummaryLevel = 2
	SummaryLevelDocument SummaryLevel = 3
)

// JobState represents background job states.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateProcessing JobState = "PROCESSING"
	JobStateSuccess    JobState = "SUCCESS"
	JobStateFailure    JobState = "FAILURE"
	JobStateRetry      JobState = "RETRY"
)

// IdeaStatus represents the workflow status of a build idea.
type IdeaStatus string

const (
	IdeaStatusSuggested IdeaStatus = "suggested"
	IdeaStatusSaved     IdeaStatus = "saved"
	IdeaStatusDismissed IdeaStatus = "dismissed"
	IdeaStatusCompleted IdeaStatus = "completed"
)

// SubscriptionStatus represents the billing status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// User represents an account. Usernames are externally assigned and unique.
type User struct {
	Username       string    `json:"username" db:"username"`
	HashedPassword string    `json:"-" db:"hashed_password"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// KnowledgeBase represents an isolated corpus owned by a single user.
type KnowledgeBase struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Owner         string    `json:"owner" db:"owner"`
	IsDefault     bool      `json:"is_default" db:"is_default"`
	DocumentCount int       `json:"document_count" db:"document_count"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Document represents one ingested artifact. DocID is allocated from a
// database counter and is globally monotonic.
type Document struct {
	DocID          int64       `json:"doc_id" db:"doc_id"`
	KBID           uuid.UUID   `json:"kb_id" db:"kb_id"`
	Owner          string      `json:"owner" db:"owner"`
	SourceType     SourceType  `json:"source_type" db:"source_type"`
	Filename       *string     `json:"filename,omitempty" db:"filename"`
	SourceURL      *string     `json:"source_url,omitempty" db:"source_url"`
	SkillLevel     SkillLevel  `json:"skill_level" db:"skill_level"`
	ChunkingStatus StageStatus `json:"chunking_status" db:"chunking_status"`
	SummaryStatus  StageStatus `json:"summary_status" db:"summary_status"`
	ChunkCount     int         `json:"chunk_count" db:"chunk_count"`
	ByteSize       int64       `json:"byte_size" db:"byte_size"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// VectorDocument holds the raw text and sparse vector for a document.
// Kept 1:1 with Document in a separate table so large blobs stay off the
// document listing path.
type VectorDocument struct {
	DocID       int64           `json:"doc_id" db:"doc_id"`
	RawText     string          `json:"raw_text" db:"raw_text"`
	TFIDFVector json.RawMessage `json:"tfidf_vector,omitempty" db:"tfidf_vector"`
}

// Chunk represents a contiguous span of document text. Parent chunks have
// no parent ID; child chunks always reference their parent.
type Chunk struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	DocumentID    int64      `json:"document_id" db:"document_id"`
	KBID          uuid.UUID  `json:"kb_id" db:"kb_id"`
	ChunkIndex    int        `json:"chunk_index" db:"chunk_index"`
	StartToken    int        `json:"start_token" db:"start_token"`
	EndToken      int        `json:"end_token" db:"end_token"`
	Content       string     `json:"content" db:"content"`
	Embedding     []float32  `json:"embedding,omitempty" db:"embedding"`
	ParentChunkID *uuid.UUID `json:"parent_chunk_id,omitempty" db:"parent_chunk_id"`
	ChunkType     ChunkType  `json:"chunk_type" db:"chunk_type"`
	Concepts      []string   `json:"concepts" db:"concepts"`
	Summary       *string    `json:"summary,omitempty" db:"summary"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Concept represents a named topic extracted from a document.
// The pair (document_id, name) is unique.
type Concept struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	DocumentID int64           `json:"document_id" db:"document_id"`
	KBID       uuid.UUID       `json:"kb_id" db:"kb_id"`
	Name       string          `json:"name" db:"name"`
	Category   ConceptCategory `json:"category" db:"category"`
	Confidence float64         `json:"confidence" db:"confidence"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// ValidationStatus tracks review state of a flagged extraction.
type ValidationStatus string

const (
	ValidationStatusPending   ValidationStatus = "pending"
	ValidationStatusConfirmed ValidationStatus = "confirmed"
	ValidationStatusRejected  ValidationStatus = "rejected"
)

// ConceptValidation records a low-confidence extraction flagged for
// later review. Written only when the learning flag is enabled.
type ConceptValidation struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	DocumentID int64            `json:"document_id" db:"document_id"`
	KBID       uuid.UUID        `json:"kb_id" db:"kb_id"`
	Confidence float64          `json:"confidence" db:"confidence"`
	Extraction json.RawMessage  `json:"extraction" db:"extraction"`
	Status     ValidationStatus `json:"status" db:"status"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// Cluster groups related documents within one knowledge base.
// DocCount always equals len(DocIDs); members share the cluster's KBID.
type Cluster struct {
	ID              int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	KBID            uuid.UUID  `json:"kb_id" db:"kb_id"`
	Owner           string     `json:"owner" db:"owner"`
	PrimaryConcepts []string   `json:"primary_concepts" db:"primary_concepts"`
	SkillLevel      SkillLevel `json:"skill_level" db:"skill_level"`
	DocIDs          []int64    `json:"doc_ids" db:"doc_ids"`
	DocCount        int        `json:"doc_count" db:"doc_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Summary represents one node in a document's summary hierarchy.
// Level-1 summaries cover chunks, level-2 sections, level-3 the document.
type Summary struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DocumentID   int64           `json:"document_id" db:"document_id"`
	KBID         uuid.UUID       `json:"kb_id" db:"kb_id"`
	ChunkID      *uuid.UUID      `json:"chunk_id,omitempty" db:"chunk_id"`
	ParentID     *uuid.UUID      `json:"parent_id,omitempty" db:"parent_id"`
	Level        SummaryLevel    `json:"level" db:"level"`
	ShortSummary string          `json:"short_summary" db:"short_summary"`
	LongSummary  *string         `json:"long_summary,omitempty" db:"long_summary"`
	KeyConcepts  []string        `json:"key_concepts" db:"key_concepts"`
	TechStack    []string        `json:"tech_stack" db:"tech_stack"`
	SkillProfile json.RawMessage `json:"skill_profile,omitempty" db:"skill_profile"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// IdeaSeed represents a build suggestion derived from knowledge base
// content. Seeds may be persisted when the user saves them.
type IdeaSeed struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	KBID               uuid.UUID  `json:"kb_id" db:"kb_id"`
	Owner              string     `json:"owner" db:"owner"`
	DocumentID         *int64     `json:"document_id,omitempty" db:"document_id"`
	Title              string     `json:"title" db:"title"`
	Description        string     `json:"description" db:"description"`
	Difficulty         SkillLevel `json:"difficulty" db:"difficulty"`
	Feasibility        float64    `json:"feasibility" db:"feasibility"`
	EffortEstimate     string     `json:"effort_estimate" db:"effort_estimate"`
	ReferencedSections []string   `json:"referenced_sections" db:"referenced_sections"`
	Status             IdeaStatus `json:"status" db:"status"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Job represents a queued unit of background work.
type Job struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Task            string          `json:"task" db:"task"`
	State           JobState        `json:"state" db:"state"`
	ProgressPercent int             `json:"progress_percent" db:"progress_percent"`
	Message         string          `json:"message" db:"message"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	Result          json.RawMessage `json:"result,omitempty" db:"result"`
	Error           *string         `json:"error,omitempty" db:"error"`
	Owner           string          `json:"owner" db:"owner"`
	KBID            *uuid.UUID      `json:"kb_id,omitempty" db:"kb_id"`
	Attempts        int             `json:"attempts" db:"attempts"`
	MaxAttempts     int             `json:"max_attempts" db:"max_attempts"`
	CancelRequested bool            `json:"cancel_requested" db:"cancel_requested"`
	NextRunAt       time.Time       `json:"next_run_at" db:"next_run_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == JobStateSuccess || j.State == JobStateFailure
}

// UsageRecord accumulates per-user counters for one calendar month.
// Records are unique per (owner, period_start).
type UsageRecord struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	Owner              string     `json:"owner" db:"owner"`
	SubscriptionID     *uuid.UUID `json:"subscription_id,omitempty" db:"subscription_id"`
	PeriodStart        time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd          time.Time  `json:"period_end" db:"period_end"`
	APICalls           int64      `json:"api_calls" db:"api_calls"`
	DocumentsUploaded  int64      `json:"documents_uploaded" db:"documents_uploaded"`
	AIRequests         int64      `json:"ai_requests" db:"ai_requests"`
	StorageBytes       int64      `json:"storage_bytes" db:"storage_bytes"`
	SearchQueries      int64      `json:"search_queries" db:"search_queries"`
	BuildSuggestions   int64      `json:"build_suggestions" db:"build_suggestions"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Subscription binds a user to a plan. LimitOverride, when present,
// replaces the plan's default limits.
type Subscription struct {
	ID            uuid.UUID          `json:"id" db:"id"`
	Owner         string             `json:"owner" db:"owner"`
	Plan          Plan               `json:"plan" db:"plan"`
	Status        SubscriptionStatus `json:"status" db:"status"`
	LimitOverride json.RawMessage    `json:"limit_override,omitempty" db:"limit_override"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
}

// PlanLimits defines quota ceilings for a plan. -1 means unlimited.
type PlanLimits struct {
	APICallsPerMinute int64 `json:"api_calls_per_minute"`
	APICallsPerDay    int64 `json:"api_calls_per_day"`
	DocumentsPerMonth int64 `json:"documents_per_month"`
	AIRequestsPerDay  int64 `json:"ai_requests_per_day"`
	StorageMB         int64 `json:"storage_mb"`
	KnowledgeBases    int64 `json:"knowledge_bases"`
}

// LimitsForPlan returns the default quota table for a plan.
func LimitsForPlan(p Plan) PlanLimits {
	switch p {
	case PlanStarter:
		return PlanLimits{
			APICallsPerMinute: 60,
			APICallsPerDay:    5000,
			DocumentsPerMonth: 200,
			AIRequestsPerDay:  500,
			StorageMB:         2048,
			KnowledgeBases:    10,
		}
	case PlanPro:
		return PlanLimits{
			APICallsPerMinute: 300,
			APICallsPerDay:    50000,
			DocumentsPerMonth: 2000,
			AIRequestsPerDay:  5000,
			StorageMB:         20480,
			KnowledgeBases:    50,
		}
	case PlanEnterprise:
		return PlanLimits{
			APICallsPerMinute: -1,
			APICallsPerDay:    -1,
			DocumentsPerMonth: -1,
			AIRequestsPerDay:  -1,
			StorageMB:         -1,
			KnowledgeBases:    -1,
		}
	default:
		return PlanLimits{
			APICallsPerMinute: 20,
			APICallsPerDay:    500,
			DocumentsPerMonth: 50,
			AIRequestsPerDay:  50,
			StorageMB:         256,
			KnowledgeBases:    3,
		}
	}
}

// DocumentWithCluster joins document metadata with its owning cluster,
// returned by read-through searches.
type DocumentWithCluster struct {
	Document
	ClusterID   *int64  `json:"cluster_id,omitempty"`
	ClusterName *string `json:"cluster_name,omitempty"`
}

// PeriodBounds returns the calendar-month window containing t, in UTC.
func PeriodBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

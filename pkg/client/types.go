package client

import (
	"encoding/json"
	"time"
)

// IngestReceipt acknowledges an accepted ingestion. Poll the job to
// follow pipeline progress; the document id is stable immediately.
type IngestReceipt struct {
	JobID string `json:"job_id"`
	DocID int64  `json:"doc_id"`
	KBID  string `json:"kb_id"`
}

// Job state values as reported by the server.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobSuccess    = "SUCCESS"
	JobFailure    = "FAILURE"
	JobRetry      = "RETRY"
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	State      string          `json:"state"`
	Progress   JobProgress     `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	KBID       string          `json:"kb_id,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// JobProgress reports how far a running job has come.
type JobProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.State == JobSuccess || j.State == JobFailure
}

// KnowledgeBase is a named partition of one owner's documents.
type KnowledgeBase struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	IsDefault     bool      `json:"is_default"`
	DocumentCount int       `json:"document_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Document is one ingested source.
type Document struct {
	DocID          int64     `json:"doc_id"`
	KBID           string    `json:"kb_id"`
	Owner          string    `json:"owner"`
	SourceType     string    `json:"source_type"`
	Filename       *string   `json:"filename,omitempty"`
	SourceURL      *string   `json:"source_url,omitempty"`
	SkillLevel     string    `json:"skill_level"`
	ChunkingStatus string    `json:"chunking_status"`
	SummaryStatus  string    `json:"summary_status"`
	ChunkCount     int       `json:"chunk_count"`
	ByteSize       int64     `json:"byte_size"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cluster groups documents that share concepts.
type Cluster struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	KBID            string    `json:"kb_id"`
	PrimaryConcepts []string  `json:"primary_concepts"`
	SkillLevel      string    `json:"skill_level"`
	DocIDs          []int64   `json:"doc_ids"`
	DocCount        int       `json:"doc_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Answer is a grounded response to a question.
type Answer struct {
	Answer     string  `json:"answer"`
	Citations  []int64 `json:"citations"`
	Degraded   bool    `json:"degraded"`
	ChunksUsed int     `json:"chunks_used"`
}

// SearchHit is one retrieval result.
type SearchHit struct {
	DocID    int64   `json:"doc_id"`
	ChunkID  string  `json:"chunk_id"`
	Filename string  `json:"filename,omitempty"`
	Content  string  `json:"content"`
	Summary  string  `json:"summary,omitempty"`
	Score    float64 `json:"score"`
}

// SearchResponse carries ranked hits. Degraded is set when the dense
// leg was unavailable and only lexical scores contributed.
type SearchResponse struct {
	Results  []*SearchHit `json:"results"`
	Degraded bool         `json:"degraded"`
}

// Suggestion is one build-next recommendation.
type Suggestion struct {
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Difficulty        string          `json:"difficulty"`
	Feasibility       json.RawMessage `json:"feasibility"`
	Score             float64         `json:"score"`
	EffortEstimate    string          `json:"effort_estimate"`
	RequiredSkills    []string        `json:"required_skills"`
	MissingKnowledge  []string        `json:"missing_knowledge"`
	RelevantClusters  []string        `json:"relevant_clusters"`
	StarterSteps      []string        `json:"starter_steps"`
	KnowledgeCoverage float64         `json:"knowledge_coverage"`
}

// Idea is a saved suggestion.
type Idea struct {
	ID                 string    `json:"id"`
	KBID               string    `json:"kb_id"`
	Owner              string    `json:"owner"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Difficulty         string    `json:"difficulty"`
	Feasibility        float64   `json:"feasibility"`
	EffortEstimate     string    `json:"effort_estimate"`
	ReferencedSections []string  `json:"referenced_sections"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Usage is the caller's consumption against plan limits for the
// current billing period.
type Usage struct {
	Plan        string        `json:"plan"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Counters    UsageCounters `json:"counters"`
	Limits      PlanLimits    `json:"limits"`
}

// UsageCounters are the metered operations.
type UsageCounters struct {
	APICalls          int64 `json:"api_calls"`
	DocumentsUploaded int64 `json:"documents_uploaded"`
	AIRequests        int64 `json:"ai_requests"`
	SearchQueries     int64 `json:"search_queries"`
	BuildSuggestions  int64 `json:"build_suggestions"`
	StorageBytes      int64 `json:"storage_bytes"`
}

// PlanLimits are the ceilings the plan grants.
type PlanLimits struct {
	APICallsPerMinute int64 `json:"api_calls_per_minute"`
	APICallsPerDay    int64 `json:"api_calls_per_day"`
	DocumentsPerMonth int64 `json:"documents_per_month"`
	AIRequestsPerDay  int64 `json:"ai_requests_per_day"`
	StorageMB         int64 `json:"storage_mb"`
	KnowledgeBases    int64 `json:"knowledge_bases"`
}

// Overview aggregates the caller's knowledge across all bases.
type Overview struct {
	TotalKnowledgeBases int64               `json:"total_knowledge_bases"`
	TotalDocuments      int64               `json:"total_documents"`
	TotalConcepts       int64               `json:"total_concepts"`
	TotalClusters       int64               `json:"total_clusters"`
	IndexedChunks       int64               `json:"indexed_chunks"`
	ContentBytes        int64               `json:"content_bytes"`
	KnowledgeBases      []*KBStats          `json:"knowledge_bases"`
	TopConcepts         []*ConceptFrequency `json:"top_concepts"`
	GeneratedAt         time.Time           `json:"generated_at"`
}

// KBStats is the per-base slice of an Overview.
type KBStats struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	IsDefault     bool                `json:"is_default"`
	Documents     int64               `json:"documents"`
	Concepts      int64               `json:"concepts"`
	Clusters      int64               `json:"clusters"`
	IndexedChunks int64               `json:"indexed_chunks"`
	ContentBytes  int64               `json:"content_bytes"`
	TopConcepts   []*ConceptFrequency `json:"top_concepts,omitempty"`
}

// ConceptFrequency is one concept ranked by document reach.
type ConceptFrequency struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	DocumentCount int64   `json:"document_count"`
	MaxConfidence float64 `json:"max_confidence"`
}

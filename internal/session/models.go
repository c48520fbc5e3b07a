// Package session owns the durable per-verification state: the session
// model and its Postgres-backed store. All other components hold opaque
// session ids and mutate state only through the store.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a verification session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a session in this status is frozen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage is the pipeline position of a session.
type Stage string

const (
	StageQueued        Stage = "queued"
	StageIngesting     Stage = "ingesting"
	StageQuality       Stage = "quality"
	StageCopyright     Stage = "copyright"
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
	StageFinalizing    Stage = "finalizing"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// FileMeta describes one file inside a multi-file submission.
type FileMeta struct {
	Name            string  `json:"name"`
	Size            int64   `json:"size,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Format          string  `json:"format,omitempty"`
}

// SubmissionData is the structured metadata captured at ingress and stored
// in the session's initial_data column.
type SubmissionData struct {
	BlobReference   string  `json:"blob_reference,omitempty"`
	DeclaredSize    int64   `json:"declared_size,omitempty"`
	DurationHint    float64 `json:"duration_hint,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Format          string  `json:"format,omitempty"`

	// Contributor is the opaque wallet identifier rewards are applied to.
	Contributor string `json:"contributor,omitempty"`

	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	SampleCount int      `json:"sample_count,omitempty"`

	// Categorization supplied by the contributor.
	UseCase     string `json:"use_case,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Domain      string `json:"domain,omitempty"`

	IsFirstBulk        bool   `json:"is_first_bulk,omitempty"`
	VerificationStatus string `json:"verification_status,omitempty"`

	Files []FileMeta `json:"files,omitempty"`
}

// Session is one verification run, in-flight or completed.
type Session struct {
	ID             string          `json:"id"`
	VerificationID string          `json:"verification_id"`
	Status         Status          `json:"status"`
	Stage          Stage           `json:"stage"`
	Progress       float64         `json:"progress"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	InitialData    *SubmissionData `json:"initial_data,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Patch is a partial update over the mutable session columns. Nil fields
// are left untouched; updated_at always refreshes.
type Patch struct {
	Stage    *Stage
	Progress *float64
	Status   *Status
	Results  interface{}
	Error    *string
}

// FailureInfo describes a terminal failure or cancellation.
type FailureInfo struct {
	Errors      []string
	StageFailed Stage
	Cancelled   bool
}

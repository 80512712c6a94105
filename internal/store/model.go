// Package store is durable persistence of job records behind a single
// atomic compare-and-set transition, built on a gorm-backed model
// generalized from a resumable multi-part download record to the
// download->process job lifecycle.
package store

import (
	"time"
)

// Status is one of the seven lifecycle states a Job may occupy.
type Status string

const (
	StatusPending     Status = "pending"
	StatusClaimed     Status = "claimed"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is one from which no further
// transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a job in this status counts against the
// total-active permit (§4.3).
func (s Status) Active() bool {
	switch s {
	case StatusClaimed, StatusDownloading, StatusProcessing:
		return true
	default:
		return false
	}
}

// Priority is one of three admission priorities; higher sorts first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the client-facing string onto a Priority,
// defaulting to Normal for anything unrecognized or empty.
func ParsePriority(s string) Priority {
	switch s {
	case "high", "High", "HIGH":
		return PriorityHigh
	case "low", "Low", "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job is the durable record for a single submission, mapped 1:1 onto
// the `jobs` table.
type Job struct {
	ID                     string     `gorm:"primaryKey;size:36" json:"id"`
	URL                    string     `gorm:"index;not null" json:"url"`
	Priority               Priority   `gorm:"not null;default:1" json:"priority"`
	Status                 Status     `gorm:"index;not null" json:"status"`
	CreatedAt              time.Time  `gorm:"index;not null" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"index;not null" json:"updated_at"`
	DownloadedPath         *string    `json:"downloaded_path,omitempty"`
	ProcessedPath          *string    `json:"processed_path,omitempty"`
	ErrorMessage           *string    `json:"error_message,omitempty"`
	ProcessingTimeSeconds  *float64   `json:"processing_time_seconds,omitempty"`

	// FirstActiveAt records when the job entered Downloading, used to
	// compute ProcessingTimeSeconds on terminal transition: measured
	// from first active phase, excluding queue wait. Not part of the
	// public JSON body.
	FirstActiveAt *time.Time `json:"-"`
}

// TableName pins the table name regardless of Go naming conventions.
func (Job) TableName() string {
	return "jobs"
}

// The composite (status, created_at) index, the hot path for
// ClaimPending and listing, is created by Open in store.go.

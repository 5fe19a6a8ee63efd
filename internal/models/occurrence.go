// Package models defines the core data types shared across FlareTrack.
package models

import (
	"time"
)

// OccurrenceStatus tracks the processing state of an occurrence.
type OccurrenceStatus string

const (
	// StatusPending means the occurrence is stored but not yet processed.
	StatusPending OccurrenceStatus = "pending"
	// StatusProcessed means the full pipeline completed for the occurrence.
	StatusProcessed OccurrenceStatus = "processed"
	// StatusFailed means processing was durably abandoned with a reason.
	StatusFailed OccurrenceStatus = "failed"
)

// StackFrame is one frame of an error stack trace, ordered closest to the
// throw site first.
type StackFrame struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// Breadcrumb is a timestamped action descriptor attached to an occurrence.
type Breadcrumb struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
}

// ErrorOccurrence is one raw ingested error event. It is immutable once
// stored except for the Status field, which only the worker pool advances.
type ErrorOccurrence struct {
	ID          string
	TenantID    string
	ProjectID   string
	Environment string

	ErrorType string
	Message   string
	Frames    []StackFrame
	Context   map[string]any
	Crumbs    []Breadcrumb

	Timestamp  time.Time
	Status     OccurrenceStatus
	FailReason string
	CreatedAt  time.Time
}

// Package model defines portal targets, reference code lists, declaration
// snapshots and submission records.
package model

import (
	"slices"
	"time"
)

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	SubmissionStatusPending   SubmissionStatus = "pending"
	SubmissionStatusRunning   SubmissionStatus = "running"
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	SubmissionStatusFailed    SubmissionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionStatusSubmitted || s == SubmissionStatusFailed
}

// LogLevel is the severity of a submission log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEntry is one line of a submission's audit log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Submission is one end-to-end attempt to push a declaration into a target
// portal.
type Submission struct {
	ID                string           `json:"id"`
	TargetID          string           `json:"target_id"`
	DeclarationID     string           `json:"declaration_id"`
	Profile           PortalProfile    `json:"profile"`
	Status            SubmissionStatus `json:"status"`
	ExternalReference string           `json:"external_reference,omitempty"`
	Error             string           `json:"error,omitempty"`
	ErrorsHandled     []string         `json:"errors_handled,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Log               []LogEntry       `json:"log"`
	AIDecisions       []MatchDecision  `json:"ai_decisions"`
	Screenshots       []string         `json:"screenshots"`
	RetryCount        int              `json:"retry_count"`
	PreviousID        string           `json:"previous_id,omitempty"`
	ForceAI           bool             `json:"force_ai"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// AppendLog adds an entry to the submission's log.
func (s *Submission) AppendLog(at time.Time, level LogLevel, msg string) {
	s.Log = append(s.Log, LogEntry{Timestamp: at, Level: level, Message: msg})
}

// Clone returns a deep copy of s that shares no slices or time pointers with
// it.
func (s *Submission) Clone() *Submission {
	c := *s
	c.ErrorsHandled = slices.Clone(s.ErrorsHandled)
	c.Warnings = slices.Clone(s.Warnings)
	c.Log = slices.Clone(s.Log)
	c.AIDecisions = slices.Clone(s.AIDecisions)
	c.Screenshots = slices.Clone(s.Screenshots)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

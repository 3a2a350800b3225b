// Package store persists submissions and reference candidate lists.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/model"
)

// ErrNotFound is returned (wrapped) when a submission does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned (wrapped) when a write loses to a concurrent one: a
// second follow-up for the same previous submission, or a claim on a
// submission that is no longer pending.
var ErrConflict = eris.New("store: conflict")

// SubmissionFilter specifies criteria for listing submissions.
type SubmissionFilter struct {
	TargetID      string                 `json:"target_id,omitempty"`
	DeclarationID string                 `json:"declaration_id,omitempty"`
	Status        model.SubmissionStatus `json:"status,omitempty"`
	PreviousID    string                 `json:"previous_id,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Offset        int                    `json:"offset,omitempty"`
}

// Store defines the persistence interface for submissions.
type Store interface {
	// Submissions
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	SaveSubmission(ctx context.Context, sub *model.Submission) error
	// ClaimSubmission saves sub only while the stored record is still
	// pending; otherwise it returns ErrConflict.
	ClaimSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error)

	// Reference candidates
	ReplaceCandidates(ctx context.Context, country, referenceType string, candidates []model.ReferenceCandidate) error
	ListCandidates(ctx context.Context, country, referenceType string) ([]model.ReferenceCandidate, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// details is the JSON column holding a submission's list-valued fields.
type details struct {
	Log           []model.LogEntry      `json:"log"`
	AIDecisions   []model.MatchDecision `json:"ai_decisions"`
	Screenshots   []string              `json:"screenshots"`
	ErrorsHandled []string              `json:"errors_handled,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
}

func detailsOf(sub *model.Submission) details {
	return details{
		Log:           sub.Log,
		AIDecisions:   sub.AIDecisions,
		Screenshots:   sub.Screenshots,
		ErrorsHandled: sub.ErrorsHandled,
		Warnings:      sub.Warnings,
	}
}

func (d details) apply(sub *model.Submission) {
	sub.Log = d.Log
	sub.AIDecisions = d.AIDecisions
	sub.Screenshots = d.Screenshots
	sub.ErrorsHandled = d.ErrorsHandled
	sub.Warnings = d.Warnings
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// Package submission drives one declaration through a target portal:
// resolve every field, match reference codes, hand the payload to the
// automation driver and record the outcome on a persisted Submission.
package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/artifact"
	"github.com/sells-group/customs-cli/internal/automation"
	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/declaration"
	"github.com/sells-group/customs-cli/internal/match"
	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/store"
)

// Repository persists submissions. store.Store satisfies it.
type Repository interface {
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	SaveSubmission(ctx context.Context, sub *model.Submission) error
	ClaimSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]model.Submission, error)
}

// Targets looks up portal configuration. target.Registry satisfies it.
type Targets interface {
	Get(id string) (model.Target, error)
}

// Deps are the orchestrator's collaborators. Backend, Candidates and
// Archiver are optional.
type Deps struct {
	Store        Repository
	Targets      Targets
	Declarations declaration.Source
	Credentials  credential.Store
	Runner       automation.Runner
	Backend      match.Backend
	Candidates   match.CandidateLoader
	Archiver     artifact.Archiver
	Now          func() time.Time
}

// Config holds orchestrator policy.
type Config struct {
	MaxRetries int
	AIEnabled  bool
	AITimeout  time.Duration
	// Timeout bounds the automation call when the target sets none.
	Timeout           time.Duration
	TempDir           string
	ScreenshotDir     string
	UpdateDeclaration bool
}

// DefaultMaxRetries is used when Config.MaxRetries is zero.
const DefaultMaxRetries = 3

// CreateOptions are set on a new submission.
type CreateOptions struct {
	ForceAI    bool
	RetryCount int
	PreviousID string
}

// Orchestrator runs submissions. It is safe for concurrent use; each
// submission gets its own matching session and payload file.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// MaxRetries returns the effective retry limit.
func (o *Orchestrator) MaxRetries() int {
	return o.cfg.MaxRetries
}

// Create persists a pending submission. The portal profile is fixed here
// from the target configuration.
func (o *Orchestrator) Create(ctx context.Context, targetID, declarationID string, opts CreateOptions) (*model.Submission, error) {
	t, err := o.deps.Targets.Get(targetID)
	if err != nil {
		return nil, eris.Wrap(err, "submission: create")
	}
	if strings.TrimSpace(declarationID) == "" {
		return nil, eris.New("submission: create: declaration id is required")
	}

	now := o.deps.Now()
	sub := &model.Submission{
		TargetID:      t.ID,
		DeclarationID: declarationID,
		Profile:       t.Profile,
		Status:        model.SubmissionStatusPending,
		RetryCount:    opts.RetryCount,
		PreviousID:    opts.PreviousID,
		ForceAI:       opts.ForceAI,
		Log:           []model.LogEntry{},
		AIDecisions:   []model.MatchDecision{},
		Screenshots:   []string{},
		CreatedAt:     now,
	}
	msg := "submission created"
	if opts.PreviousID != "" {
		msg = fmt.Sprintf("retry %d of %s", opts.RetryCount, opts.PreviousID)
	}
	sub.AppendLog(now, model.LogLevelInfo, msg)

	if err := o.deps.Store.CreateSubmission(ctx, sub); err != nil {
		return nil, eris.Wrap(err, "submission: create")
	}
	zap.L().Info("submission: created",
		zap.String("submission_id", sub.ID),
		zap.String("target_id", sub.TargetID),
		zap.String("declaration_id", sub.DeclarationID),
		zap.Int("retry_count", sub.RetryCount),
	)
	return sub, nil
}

// Start moves a pending submission to running. The transition is claimed
// in the store, so only one caller can start a given submission.
func (o *Orchestrator) Start(ctx context.Context, sub *model.Submission) error {
	if sub.Status != model.SubmissionStatusPending {
		return eris.Wrapf(ErrNotPending, "submission %s is %s", sub.ID, sub.Status)
	}
	prev := sub.Clone()
	now := o.deps.Now()
	sub.Status = model.SubmissionStatusRunning
	sub.StartedAt = &now
	sub.AppendLog(now, model.LogLevelInfo, "submission started")
	if err := o.deps.Store.ClaimSubmission(ctx, sub); err != nil {
		*sub = *prev
		if errors.Is(err, store.ErrConflict) {
			return eris.Wrapf(ErrNotPending, "submission %s was already started", sub.ID)
		}
		return eris.Wrap(err, "submission: start")
	}
	return nil
}

// Submit creates a submission and runs it to a terminal state.
func (o *Orchestrator) Submit(ctx context.Context, targetID, declarationID string, opts CreateOptions) (*model.Submission, error) {
	sub, err := o.Create(ctx, targetID, declarationID, opts)
	if err != nil {
		return nil, err
	}
	return sub, o.Run(ctx, sub)
}

// RunID loads a pending submission and runs it.
func (o *Orchestrator) RunID(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := o.deps.Store.GetSubmission(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "submission: load")
	}
	return sub, o.Run(ctx, sub)
}

// Retry creates a new submission for the same target and declaration as the
// failed submission id, with AI matching forced on, and runs it.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*model.Submission, error) {
	next, err := o.PrepareRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	return next, o.Run(ctx, next)
}

// PrepareRetry applies the retry guard and persists the pending follow-up
// submission without running it. Submissions that did not fail, used up
// their retries or already have a follow-up are rejected without creating a
// record.
func (o *Orchestrator) PrepareRetry(ctx context.Context, id string) (*model.Submission, error) {
	prev, err := o.deps.Store.GetSubmission(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "submission: retry")
	}
	if prev.Status != model.SubmissionStatusFailed {
		return nil, eris.Wrapf(ErrInvalidRetryState, "submission %s is %s", prev.ID, prev.Status)
	}
	if prev.RetryCount >= o.cfg.MaxRetries {
		return nil, eris.Wrapf(ErrRetryExhausted, "submission %s has %d of %d retries", prev.ID, prev.RetryCount, o.cfg.MaxRetries)
	}
	follow, err := o.deps.Store.ListSubmissions(ctx, store.SubmissionFilter{PreviousID: prev.ID, Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "submission: retry")
	}
	if len(follow) > 0 {
		return nil, eris.Wrapf(ErrInvalidRetryState, "submission %s already retried as %s", prev.ID, follow[0].ID)
	}

	next, err := o.Create(ctx, prev.TargetID, prev.DeclarationID, CreateOptions{
		ForceAI:    true,
		RetryCount: prev.RetryCount + 1,
		PreviousID: prev.ID,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, eris.Wrapf(ErrInvalidRetryState, "submission %s already retried", prev.ID)
	}
	return next, err
}

// Run starts sub and drives it to submitted or failed. Errors are returned
// only when the submission could not be started or its terminal state could
// not be saved; automation problems end in a failed submission instead.
func (o *Orchestrator) Run(ctx context.Context, sub *model.Submission) error {
	if err := o.Start(ctx, sub); err != nil {
		return err
	}
	log := zap.L().With(
		zap.String("submission_id", sub.ID),
		zap.String("target_id", sub.TargetID),
		zap.String("declaration_id", sub.DeclarationID),
	)

	res, runErr := o.execute(ctx, sub, log)
	o.finish(ctx, sub, res, runErr, log)

	// The terminal state is saved even when ctx was cancelled mid-run.
	saveCtx := context.WithoutCancel(ctx)
	if err := o.deps.Store.SaveSubmission(saveCtx, sub); err != nil {
		log.Error("submission: save terminal state failed", zap.Error(err))
		return eris.Wrap(err, "submission: save")
	}
	return nil
}

// execute resolves fields, writes the payload and calls the driver.
func (o *Orchestrator) execute(ctx context.Context, sub *model.Submission, log *zap.Logger) (*automation.Result, error) {
	t, err := o.deps.Targets.Get(sub.TargetID)
	if err != nil {
		return nil, eris.Wrap(err, "load target")
	}
	snap, err := o.deps.Declarations.Snapshot(ctx, sub.DeclarationID)
	if err != nil {
		return nil, eris.Wrap(err, "load declaration")
	}
	creds, err := o.deps.Credentials.Credentials(ctx, sub.TargetID)
	if err != nil {
		return nil, eris.Wrap(err, "load credentials")
	}

	session := match.NewSession(t.Country, o.deps.Candidates, o.deps.Backend, match.Options{
		AIEnabled: o.cfg.AIEnabled || sub.ForceAI,
		AITimeout: o.cfg.AITimeout,
	})
	res := ResolveTarget(ctx, t, snap, session)
	sub.AIDecisions = append(sub.AIDecisions, session.Decisions()...)

	o.info(sub, fmt.Sprintf("resolved %d fields across %d pages", len(res.Data), len(t.Pages)))
	if len(res.Gaps) > 0 {
		gaps := make([]string, len(res.Gaps))
		for i, g := range res.Gaps {
			gaps[i] = g.String()
		}
		msg := fmt.Sprintf("%v: %s", ErrResolutionGap, strings.Join(gaps, ", "))
		sub.Warnings = append(sub.Warnings, msg)
		sub.AppendLog(o.deps.Now(), model.LogLevelWarning, msg)
		log.Warn("submission: unresolved required fields", zap.Strings("fields", gaps))
	}

	timeout := o.cfg.Timeout
	if t.TimeoutMs > 0 {
		timeout = time.Duration(t.TimeoutMs) * time.Millisecond
	}
	var shotDir string
	if o.cfg.ScreenshotDir != "" {
		shotDir = filepath.Join(o.cfg.ScreenshotDir, sub.ID)
	}
	req := BuildRequest(t, sub.Profile, creds, res, timeout, shotDir)

	payload, err := writePayload(o.cfg.TempDir, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(payload); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("submission: remove payload file", zap.String("path", payload), zap.Error(err))
		}
	}()

	o.info(sub, fmt.Sprintf("invoking automation (%s, timeout %s)", req.Action, timeout))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := o.deps.Runner.Run(runCtx, automation.Job{PayloadPath: payload, Request: req})
	log.Info("submission: automation finished",
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Bool("structured", result != nil),
		zap.Error(err),
	)
	if err == nil && result == nil {
		err = eris.Wrap(automation.ErrDecode, "no result")
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, automation.ErrTimeout) {
		err = eris.Wrapf(automation.ErrTimeout, "%v", err)
	}
	return result, err
}

// finish records the terminal state. It never leaves sub running.
func (o *Orchestrator) finish(ctx context.Context, sub *model.Submission, res *automation.Result, runErr error, log *zap.Logger) {
	if res != nil {
		sub.Screenshots = append(sub.Screenshots, res.Screenshots...)
		sub.AIDecisions = append(sub.AIDecisions, res.AIDecisions...)
		sub.ErrorsHandled = append(sub.ErrorsHandled, res.ErrorsHandled...)
		sub.Warnings = append(sub.Warnings, res.Warnings...)
		for _, w := range res.Warnings {
			sub.AppendLog(o.deps.Now(), model.LogLevelWarning, w)
		}
		if len(res.Warnings) > 0 {
			log.Warn("submission: automation warnings", zap.Strings("warnings", res.Warnings))
		}
	}

	switch {
	case runErr != nil:
		sub.Status = model.SubmissionStatusFailed
		sub.Error = failureMessage(runErr)
	case res.Success && res.Reference(sub.Profile) != "":
		sub.Status = model.SubmissionStatusSubmitted
		sub.ExternalReference = res.Reference(sub.Profile)
		sub.Error = ""
	case res.Success:
		sub.Status = model.SubmissionStatusFailed
		sub.Error = "portal reported success without a reference number"
	default:
		sub.Status = model.SubmissionStatusFailed
		sub.Error = firstNonEmpty(res.Error, res.Message, "portal rejected the submission")
	}

	o.archive(ctx, sub, log)

	now := o.deps.Now()
	sub.CompletedAt = &now
	if sub.Status == model.SubmissionStatusSubmitted {
		sub.AppendLog(now, model.LogLevelInfo, "submitted, reference "+sub.ExternalReference)
		log.Info("submission: submitted", zap.String("external_reference", sub.ExternalReference))
		o.markDeclaration(ctx, sub, log)
		return
	}
	sub.AppendLog(now, model.LogLevelError, sub.Error)
	log.Warn("submission: failed", zap.String("error", sub.Error), zap.Error(runErr))
}

// failureMessage turns a driver error into the message stored on the
// submission.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, automation.ErrTimeout):
		return "automation timeout: the portal driver did not finish in time"
	case errors.Is(err, automation.ErrDecode):
		return "automation returned malformed output: " + err.Error()
	case errors.Is(err, automation.ErrProcess):
		return "automation process error: " + err.Error()
	default:
		return err.Error()
	}
}

func (o *Orchestrator) archive(ctx context.Context, sub *model.Submission, log *zap.Logger) {
	if o.deps.Archiver == nil || len(sub.Screenshots) == 0 {
		return
	}
	archived, err := o.deps.Archiver.Archive(context.WithoutCancel(ctx), sub.ID, sub.Screenshots)
	if err != nil {
		log.Warn("submission: archive artifacts", zap.Error(err))
		sub.AppendLog(o.deps.Now(), model.LogLevelWarning, "artifact archival failed: "+err.Error())
	}
	if len(archived) == len(sub.Screenshots) {
		sub.Screenshots = archived
	}
}

// markDeclaration propagates the submitted status. It runs once per
// successful submission; a failure is logged but does not change the
// outcome.
func (o *Orchestrator) markDeclaration(ctx context.Context, sub *model.Submission, log *zap.Logger) {
	if !o.cfg.UpdateDeclaration {
		return
	}
	err := o.deps.Declarations.MarkSubmitted(context.WithoutCancel(ctx), declaration.Status{
		DeclarationID:     sub.DeclarationID,
		TargetID:          sub.TargetID,
		SubmissionID:      sub.ID,
		ExternalReference: sub.ExternalReference,
		SubmittedAt:       *sub.CompletedAt,
	})
	if err != nil {
		log.Warn("submission: update declaration status", zap.Error(err))
		sub.AppendLog(o.deps.Now(), model.LogLevelWarning, "declaration status update failed: "+err.Error())
		return
	}
	sub.AppendLog(o.deps.Now(), model.LogLevelInfo, "declaration status updated")
}

func (o *Orchestrator) info(sub *model.Submission, msg string) {
	sub.AppendLog(o.deps.Now(), model.LogLevelInfo, msg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Package workflows runs submissions as Temporal workflows so they survive a
// restart of the process that accepted them.
package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/submission"
)

// Registered names.
const (
	SubmitWorkflowName = "SubmitDeclaration"
	RunActivityName    = "RunSubmission"
)

// DefaultActivityTimeout bounds one submission run when the input sets none.
const DefaultActivityTimeout = 15 * time.Minute

// SubmitInput starts a workflow for an already created submission.
type SubmitInput struct {
	SubmissionID string        `json:"submission_id"`
	Timeout      time.Duration `json:"timeout"`
}

// SubmitOutput is the submission's terminal state.
type SubmitOutput struct {
	SubmissionID      string                 `json:"submission_id"`
	Status            model.SubmissionStatus `json:"status"`
	ExternalReference string                 `json:"external_reference,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// SubmitWorkflow runs the submission activity exactly once. A failed
// submission is retried by creating a new submission, never by re-running
// the activity.
func SubmitWorkflow(ctx workflow.Context, in SubmitInput) (*SubmitOutput, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var out SubmitOutput
	if err := workflow.ExecuteActivity(ctx, RunActivityName, in).Get(ctx, &out); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("submission finished",
		"submission_id", out.SubmissionID,
		"status", string(out.Status),
	)
	return &out, nil
}

// Runner runs a pending submission by id. *submission.Orchestrator
// satisfies it.
type Runner interface {
	RunID(ctx context.Context, id string) (*model.Submission, error)
}

// Activities holds the activity implementations.
type Activities struct {
	Runner Runner
}

// RunSubmission drives the submission to a terminal state.
func (a *Activities) RunSubmission(ctx context.Context, in SubmitInput) (*SubmitOutput, error) {
	activity.GetLogger(ctx).Info("running submission", "submission_id", in.SubmissionID)

	sub, err := a.Runner.RunID(ctx, in.SubmissionID)
	if err != nil {
		if errors.Is(err, submission.ErrNotPending) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "NotPending", err)
		}
		return nil, err
	}
	return &SubmitOutput{
		SubmissionID:      sub.ID,
		Status:            sub.Status,
		ExternalReference: sub.ExternalReference,
		Error:             sub.Error,
	}, nil
}

type registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the workflow and its activity to a worker.
func Register(r registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(SubmitWorkflow, workflow.RegisterOptions{Name: SubmitWorkflowName})
	r.RegisterActivityWithOptions(acts.RunSubmission, activity.RegisterOptions{Name: RunActivityName})
}

// Starter is the part of client.Client the dispatcher uses.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts one workflow per submission.
type Dispatcher struct {
	client    Starter
	taskQueue string
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. timeout bounds each activity run.
func NewDispatcher(c Starter, taskQueue string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: c, taskQueue: taskQueue, timeout: timeout}
}

// WorkflowID is the workflow id used for a submission.
func WorkflowID(submissionID string) string {
	return "submission-" + submissionID
}

// Dispatch starts the workflow for sub.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *model.Submission) error {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(sub.ID),
		TaskQueue: d.taskQueue,
	}, SubmitWorkflowName, SubmitInput{SubmissionID: sub.ID, Timeout: d.timeout})
	if err != nil {
		return eris.Wrapf(err, "workflows: start submission %s", sub.ID)
	}
	zap.L().Info("workflows: submission dispatched",
		zap.String("submission_id", sub.ID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

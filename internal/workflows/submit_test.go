package workflows

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/submission"
)

type fakeRunner struct {
	calls atomic.Int32
	sub   *model.Submission
	err   error
}

func (f *fakeRunner) RunID(_ context.Context, id string) (*model.Submission, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.sub
	out.ID = id
	return &out, nil
}

func runWorkflow(t *testing.T, runner *fakeRunner) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, &Activities{Runner: runner})
	env.ExecuteWorkflow(SubmitWorkflowName, SubmitInput{SubmissionID: "sub-1", Timeout: time.Minute})
	require.True(t, env.IsWorkflowCompleted())
	return env
}

func TestSubmitWorkflow_Submitted(t *testing.T) {
	runner := &fakeRunner{sub: &model.Submission{Status: model.SubmissionStatusSubmitted, ExternalReference: "TD-1"}}
	env := runWorkflow(t, runner)
	require.NoError(t, env.GetWorkflowError())

	var out SubmitOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, SubmitOutput{SubmissionID: "sub-1", Status: model.SubmissionStatusSubmitted, ExternalReference: "TD-1"}, out)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestSubmitWorkflow_FailedSubmissionIsNotAnError(t *testing.T) {
	runner := &fakeRunner{sub: &model.Submission{Status: model.SubmissionStatusFailed, Error: "automation timeout"}}
	env := runWorkflow(t, runner)
	require.NoError(t, env.GetWorkflowError())

	var out SubmitOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, model.SubmissionStatusFailed, out.Status)
	assert.Equal(t, "automation timeout", out.Error)
}

func TestSubmitWorkflow_ActivityRunsOnce(t *testing.T) {
	runner := &fakeRunner{err: errors.New("store unavailable")}
	env := runWorkflow(t, runner)

	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestSubmitWorkflow_NotPending(t *testing.T) {
	runner := &fakeRunner{err: eris.Wrap(submission.ErrNotPending, "submission sub-1 is submitted")}
	env := runWorkflow(t, runner)

	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
}

type fakeRun struct {
	client.WorkflowRun
	id, runID string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return r.runID }

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	ret := m.Called(ctx, options, wf, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(client.WorkflowRun), ret.Error(1)
}

func TestDispatcher_Dispatch(t *testing.T) {
	starter := new(mockStarter)
	starter.On("ExecuteWorkflow", mock.Anything,
		client.StartWorkflowOptions{ID: "submission-sub-1", TaskQueue: "customs"},
		SubmitWorkflowName,
		[]interface{}{SubmitInput{SubmissionID: "sub-1", Timeout: 10 * time.Minute}},
	).Return(fakeRun{id: "submission-sub-1", runID: "run-1"}, nil)

	d := NewDispatcher(starter, "customs", 10*time.Minute)
	require.NoError(t, d.Dispatch(context.Background(), &model.Submission{ID: "sub-1"}))
	starter.AssertExpectations(t)
}

func TestDispatcher_StartError(t *testing.T) {
	starter := new(mockStarter)
	starter.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	err := NewDispatcher(starter, "customs", 0).Dispatch(context.Background(), &model.Submission{ID: "sub-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

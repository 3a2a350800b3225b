package submission

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
)

// Async runs submissions on background goroutines.
type Async struct {
	o  *Orchestrator
	wg sync.WaitGroup
}

// NewAsync wraps o.
func NewAsync(o *Orchestrator) *Async {
	return &Async{o: o}
}

// Dispatch starts a copy of sub in the background, leaving the caller's value
// untouched. The run is detached from ctx's cancellation so a finished HTTP
// request does not abort it.
func (a *Async) Dispatch(ctx context.Context, sub *model.Submission) error {
	runCtx := context.WithoutCancel(ctx)
	run := sub.Clone()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.o.Run(runCtx, run); err != nil {
			zap.L().Error("submission: background run failed",
				zap.String("submission_id", sub.ID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

package pool

import (
	"context"
	"log"
	"time"

	"github.com/bifrost/backend/internal/bus"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/execctx"
)

const recordTimeout = 5 * time.Second

// NewResultRecorder builds the production ResultCallback: every terminal
// result is recorded against the workflow's execution history and
// forwarded on the progress channel for stream consumers. Recording
// failures are logged, never re-raised; the result itself was already
// delivered.
func NewResultRecorder(contexts *execctx.Store, store entity.Store, eventBus bus.Bus) ResultCallback {
	logger := log.New(log.Writer(), "[Results] ", log.LstdFlags)

	return func(res execctx.ExecutionResult) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		ec, err := contexts.Get(ctx, res.ExecutionID)
		if err != nil {
			logger.Printf("No context for execution %s: %v", res.ExecutionID, err)
			return
		}

		wf, err := store.FindActiveWorkflowByName(ctx, ec.OrgID, ec.WorkflowName)
		if err != nil {
			logger.Printf("No active workflow %q for execution %s: %v", ec.WorkflowName, res.ExecutionID, err)
		} else {
			startedAt := time.Now().UTC().Add(-time.Duration(res.DurationMS) * time.Millisecond)
			if err := store.RecordExecution(ctx, wf.ID, res.ExecutionID, startedAt); err != nil {
				logger.Printf("Record execution %s failed: %v", res.ExecutionID, err)
			}
		}

		if err := bus.PublishJSON(ctx, eventBus, bus.ChannelProgress, res); err != nil {
			logger.Printf("Publish result %s failed: %v", res.ExecutionID, err)
		}
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// executionCreator is the part of the Workflows Executions client used here.
type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowBuildGateway routes build-task triggers to a Cloud Workflows
// execution and delegates every other call to the wrapped Gateway.
type WorkflowBuildGateway struct {
	Gateway
	executions executionCreator
	parent     string
	logger     *slog.Logger
}

// NewWorkflowBuildGateway wraps next. parent is the workflow resource name, see gcp.WorkflowParent.
func NewWorkflowBuildGateway(next Gateway, executions executionCreator, parent string, logger *slog.Logger) *WorkflowBuildGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowBuildGateway{
		Gateway:    next,
		executions: executions,
		parent:     parent,
		logger:     logger.With("component", "build-workflow", "workflow", parent),
	}
}

// BuildTask starts one workflow execution for the range.
func (g *WorkflowBuildGateway) BuildTask(ctx context.Context, r models.DateRange) error {
	payload, err := json.Marshal(models.BuildTaskRequest{StartDate: r.Start, EndDate: r.End})
	if err != nil {
		return &GatewayError{Call: callBuildTask, Err: fmt.Errorf("failed to marshal workflow payload: %w", err)}
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: g.parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	exec, err := g.executions.CreateExecution(ctx, req)
	if err != nil {
		return &GatewayError{Call: callBuildTask, Err: fmt.Errorf("failed to trigger workflow execution: %w", err)}
	}
	g.logger.Info("Build workflow execution started.", "execution", exec.GetName(), "startDate", r.Start, "endDate", r.End)
	return nil
}

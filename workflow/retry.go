package workflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
)

// LastErrorStepRetry is the transient reason code the retry controller
// writes so the router can recognize a retry-to-self edge.
const LastErrorStepRetry = "step_retry"

// RetryController decides, after a stage failure, whether the stage gets
// another attempt or fails permanently. The per-stage budget it manages
// is independent of the workflow-level validation-retry budget: the
// former bounds transient errors inside one stage, the latter bounds
// whole-pipeline restarts after a validator rejection.
type RetryController struct {
	logger *zap.Logger
}

// NewRetryController creates a retry controller.
func NewRetryController(logger *zap.Logger) *RetryController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryController{logger: logger.With(zap.String("component", "retry_controller"))}
}

// OnStageFailure records a stage failure in the state and reports whether
// a retry was granted. With budget left it decrements the stage's counter
// and marks the step for a retry-to-self route; with the budget exhausted
// it marks the stage permanently failed.
func (r *RetryController) OnStageFailure(state *types.State, stage types.StageID, message string) bool {
	left := state.StepRetriesLeft[stage]
	if left > 0 {
		state.StepRetriesLeft[stage] = left - 1
		state.CurrentStep = types.StepRetry(stage)
		state.LastErrorType = LastErrorStepRetry
		r.logger.Warn("stage failed, retrying",
			zap.String("stage", string(stage)),
			zap.String("error", message),
			zap.Int("retries_left", left-1),
		)
		return true
	}

	state.CurrentStep = types.StepFailed(stage)
	state.LastErrorType = ""
	r.logger.Error("stage failed permanently, retries exhausted",
		zap.String("stage", string(stage)),
		zap.String("error", message),
	)
	return false
}

// OnValidationRejected decrements the workflow-level budget after a
// validator rejection, never dropping below zero.
func (r *RetryController) OnValidationRejected(state *types.State) {
	if state.RetriesLeft <= 0 {
		return
	}
	state.RetriesLeft--
	r.logger.Info("validation rejected, workflow retry budget decremented",
		zap.Int("retries_left", state.RetriesLeft),
	)
}

// Exhausted reports whether the workflow-level budget is spent.
func (r *RetryController) Exhausted(state *types.State) bool {
	return state.RetriesLeft <= 0
}

// FinalizeExhausted applies the best-effort termination policy: the last
// generated query is kept, annotated with the outstanding validation
// feedback, and a user-facing advisory is attached. Budget exhaustion is
// a deliberate soft landing, not a hard failure.
func (r *RetryController) FinalizeExhausted(state *types.State) {
	r.logger.Warn("maximum retries exhausted, ending with best available query")

	if state.GeneratedQuery != nil {
		state.GeneratedQuery.Explanation = exhaustedExplanation(state.ValidationFeedback)
		state.UserMessage = "Query generated with validation issues after maximum retries. " +
			"Please review the query and validation feedback carefully."
	} else {
		state.UserMessage = "No query could be generated within the retry budget. " +
			"Please review the validation feedback and rephrase the question."
	}
	state.CurrentStep = types.StepMaxRetriesExhausted
}

func exhaustedExplanation(fb *types.ValidationFeedback) string {
	const prefix = "This query has validation issues but is the best result available"
	if fb == nil {
		return prefix + " after maximum retry attempts."
	}
	detail := ""
	for i, issue := range fb.Issues {
		if i == 0 {
			detail = "Issues found: " + issue.Description
		} else {
			detail += "; " + issue.Description
		}
	}
	if len(fb.Suggestions) > 0 {
		if detail != "" {
			detail += ". "
		}
		detail += "Suggestions: " + joinSemicolon(fb.Suggestions)
	}
	if detail == "" {
		if fb.Reason != "" {
			detail = fb.Reason
		} else {
			return prefix + " after maximum retry attempts."
		}
	}
	return prefix + ": " + detail
}

func joinSemicolon(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

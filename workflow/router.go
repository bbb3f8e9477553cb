package workflow

import (
	"strings"

	"github.com/BaSui01/queryflow/types"
)

// TerminalKind classifies why a route ends at the terminal sink.
type TerminalKind int

const (
	// TerminalNone means the decision is not terminal.
	TerminalNone TerminalKind = iota
	// TerminalCompleted ends the workflow successfully.
	TerminalCompleted
	// TerminalFailed ends the workflow after a permanent stage failure.
	TerminalFailed
	// TerminalExhausted ends the workflow with the best-effort result after
	// the validation-retry budget ran out.
	TerminalExhausted
)

// Decision is the router's verdict for one hop. The router itself is a
// pure function; side effects it wants (a step marker, clearing the
// feedback-processed flag) are returned here and applied by the engine,
// which keeps identical state snapshots producing identical decisions.
type Decision struct {
	// Next is the stage to run, or StageEnd to terminate.
	Next types.StageID

	// Step, when non-empty, is the currentStep marker to record before
	// the hop. Used by the validation-restart routes so the stream shows
	// why the pipeline rewound.
	Step string

	// Terminal is meaningful only when Next is StageEnd.
	Terminal TerminalKind

	// ClearFeedbackProcessed asks the engine to reset the
	// feedback-processed flag so a re-displayed review list does not loop.
	ClearFeedbackProcessed bool
}

// Route decides the next stage from the state alone. First match wins:
// resume bypass, permanent-failure sink, retry-to-self, then the
// per-stage rules, with the fixed pipeline order as the default.
func Route(s *types.State) Decision {
	if s.IsResuming {
		next := s.ResumeStartStage
		if next == "" {
			next = types.StageRouter
		}
		if next == types.StageEnd {
			return Decision{Next: types.StageEnd, Terminal: TerminalCompleted}
		}
		return Decision{Next: next}
	}

	step := s.CurrentStep

	if strings.HasSuffix(step, "_failed") {
		return Decision{Next: types.StageEnd, Terminal: TerminalFailed}
	}

	if s.LastErrorType == LastErrorStepRetry && strings.HasSuffix(step, "_retry") {
		if id := types.StageID(strings.TrimSuffix(step, "_retry")); id.Valid() && id != types.StageEnd {
			return Decision{Next: id}
		}
	}

	switch step {
	case types.StepWorkflowStarted:
		return Decision{Next: types.StageRouter}

	case types.StepCompleted(types.StageRouter):
		if s.IsMetadataQuery {
			return Decision{Next: types.StageMetadataAgent}
		}
		return Decision{Next: types.StageDatabaseIdentifier}

	case types.StepCompleted(types.StageMetadataAgent):
		return Decision{Next: types.StageEnd, Terminal: TerminalCompleted}

	case types.StepCompleted(types.StageDatabaseIdentifier):
		if s.InteractionMode == types.ModeInteractive && !s.Approved(types.ReviewDatabases) {
			return Decision{Next: types.StageDatabaseHumanReview}
		}
		return Decision{Next: types.StageTableIdentifier}

	case types.StepCompleted(types.StageDatabaseHumanReview):
		return routeAfterReview(s, types.ReviewDatabases,
			types.StageDatabaseIdentifier, types.StageDatabaseHumanReview, types.StageTableIdentifier)

	case types.StepCompleted(types.StageTableIdentifier):
		if s.InteractionMode == types.ModeInteractive && !s.Approved(types.ReviewTables) {
			return Decision{Next: types.StageTableHumanReview}
		}
		return Decision{Next: types.StageColumnIdentifier}

	case types.StepCompleted(types.StageTableHumanReview):
		return routeAfterReview(s, types.ReviewTables,
			types.StageTableIdentifier, types.StageTableHumanReview, types.StageColumnIdentifier)

	case types.StepCompleted(types.StageColumnIdentifier),
		types.StepCompleted(types.StageSchemaBuilder),
		types.StepCompleted(types.StageQueryPlanner),
		types.StepCompleted(types.StageQueryGenerator):
		return Decision{Next: types.NextInPipeline(completedStage(step))}

	case types.StepCompleted(types.StageQueryValidator):
		return routeAfterValidation(s)
	}

	// Unroutable step marker. Fail closed rather than guess an edge.
	return Decision{Next: types.StageEnd, Terminal: TerminalFailed}
}

// routeAfterReview applies the review checkpoint rules: approval advances,
// an applied modification re-displays the updated list, anything else is
// a rejection that re-runs the producing stage.
func routeAfterReview(s *types.State, t types.ReviewType, producer, review, next types.StageID) Decision {
	if s.Approved(t) {
		return Decision{Next: next}
	}
	if s.FeedbackProcessed {
		switch s.LastModificationType {
		case types.ModificationAdd, types.ModificationRemove,
			types.ModificationReplace, types.ModificationModify:
			return Decision{Next: review, ClearFeedbackProcessed: true}
		}
	}
	return Decision{Next: producer}
}

// routeAfterValidation maps the validator's verdict to a restart point.
// This mapping is what turns an unstructured model judgment into a
// bounded, terminating retry loop.
func routeAfterValidation(s *types.State) Decision {
	if s.IsQueryValid {
		return Decision{Next: types.StageEnd, Terminal: TerminalCompleted, Step: types.StepWorkflowCompleted}
	}
	if s.RetriesLeft <= 0 {
		return Decision{Next: types.StageEnd, Terminal: TerminalExhausted}
	}

	reason := types.ReasonUnknown
	if s.ValidationFeedback != nil && s.ValidationFeedback.ReasonCode != "" {
		reason = s.ValidationFeedback.ReasonCode
	}

	switch reason {
	case types.ReasonAccepted, types.ReasonAcceptedMinorIssues:
		return Decision{Next: types.StageEnd, Terminal: TerminalCompleted, Step: types.StepWorkflowCompleted}
	case types.ReasonInsufficientData:
		return Decision{Next: types.StageDatabaseIdentifier, Step: "retry_due_to_insufficient_data"}
	case types.ReasonSchemaMissing:
		return Decision{Next: types.StageTableIdentifier, Step: "route_to_table_identifier"}
	case types.ReasonQueryScopeIssue:
		// Wrong scope, not missing schema: rewind to database selection.
		return Decision{Next: types.StageDatabaseIdentifier, Step: "route_to_database_identifier_scope_issue"}
	case types.ReasonSQLGenerationIssue, types.ReasonDataTypeMismatch, types.ReasonJoinRelationshipError:
		// Schema assumed sufficient, only the plan or rendering is wrong.
		return Decision{Next: types.StageQueryPlanner, Step: "route_to_query_planner_" + string(reason)}
	default:
		return Decision{Next: types.StageDatabaseIdentifier, Step: "retry_unknown_issue"}
	}
}

func completedStage(step string) types.StageID {
	return types.StageID(strings.TrimSuffix(step, "_completed"))
}

package api

import (
	"time"

	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// MessageType identifies a websocket protocol message.
type MessageType string

const (
	// Server -> client.
	MessageStateUpdate     MessageType = "state_update"
	MessageHITLRequest     MessageType = "hitl_request"
	MessageHITLFeedbackAck MessageType = "hitl_feedback_ack"
	MessageCancelled       MessageType = "cancelled"
	MessageFinalResult     MessageType = "final_result"
	MessageError           MessageType = "error"

	// Client -> server.
	MessageHITLFeedback MessageType = "hitl_feedback"
	MessageCancel       MessageType = "cancel"
)

// Message is the websocket protocol envelope. Exactly the fields for the
// given Type are set; everything else is omitted from the wire.
type Message struct {
	Type         MessageType            `json:"type"`
	SessionID    string                 `json:"sessionId,omitempty"`
	State        *StateView             `json:"state,omitempty"`
	Checkpoint   *CheckpointView        `json:"checkpoint,omitempty"`
	Payload      *types.FeedbackPayload `json:"payload,omitempty"`
	CheckpointID string                 `json:"checkpointId,omitempty"`
	Result       *QueryResponse         `json:"result,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// StateView is the WorkflowState subset serialized on state_update
// messages: enough for a client to render progress without exposing the
// engine's internal bookkeeping.
type StateView struct {
	CurrentStep string   `json:"currentStep"`
	StepLabel   string   `json:"stepLabel"`
	RetriesLeft int      `json:"retriesLeft"`
	Databases   []string `json:"databases,omitempty"`
	Tables      []string `json:"tables,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	IsMetadata  bool     `json:"isMetadataQuery,omitempty"`
	QueryValid  bool     `json:"isQueryValid"`
	UserMessage string   `json:"userMessage,omitempty"`
}

// CheckpointView is the hitl_request payload.
type CheckpointView struct {
	ID         string   `json:"id"`
	ReviewType string   `json:"reviewType"`
	Items      []string `json:"items"`
}

// QueryRequest is the POST /query body. Mode defaults to ask; the REST
// surface never exposes review checkpoints.
type QueryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

// ValidationSummary is the validator verdict in API responses.
type ValidationSummary struct {
	Valid      bool   `json:"valid"`
	ReasonCode string `json:"reasonCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// QueryResponse is the workflow summary returned by POST /query and
// carried on final_result messages.
type QueryResponse struct {
	Status           string             `json:"status"`
	Query            string             `json:"query,omitempty"`
	Explanation      string             `json:"explanation,omitempty"`
	Databases        []string           `json:"databases,omitempty"`
	Tables           []string           `json:"tables,omitempty"`
	Columns          []string           `json:"columns,omitempty"`
	Validation       *ValidationSummary `json:"validation,omitempty"`
	MetadataResponse string             `json:"metadataResponse,omitempty"`
	UserMessage      string             `json:"userMessage,omitempty"`
	ExecutionTime    string             `json:"executionTime"`
}

// NewStateView projects a state snapshot onto the wire subset.
func NewStateView(s *types.State) *StateView {
	if s == nil {
		return nil
	}
	return &StateView{
		CurrentStep: s.CurrentStep,
		StepLabel:   StepLabel(s.CurrentStep),
		RetriesLeft: s.RetriesLeft,
		Databases:   s.RelevantDatabases,
		Tables:      s.RelevantTables,
		Columns:     s.RelevantColumns,
		IsMetadata:  s.IsMetadataQuery,
		QueryValid:  s.IsQueryValid,
		UserMessage: s.UserMessage,
	}
}

// NewCheckpointView projects a checkpoint onto the hitl_request payload.
func NewCheckpointView(cp *workflow.Checkpoint) *CheckpointView {
	if cp == nil || cp.State == nil || cp.State.PendingReview == nil {
		return nil
	}
	return &CheckpointView{
		ID:         cp.ID,
		ReviewType: string(cp.State.PendingReview.Type),
		Items:      cp.State.PendingReview.Items,
	}
}

// Summarize builds the terminal workflow summary from a final state.
func Summarize(s *types.State, status workflow.Status, elapsed time.Duration) *QueryResponse {
	resp := &QueryResponse{
		Status:        string(status),
		Databases:     s.RelevantDatabases,
		Tables:        s.RelevantTables,
		Columns:       s.RelevantColumns,
		UserMessage:   s.UserMessage,
		ExecutionTime: elapsed.Round(time.Millisecond).String(),
	}
	if s.GeneratedQuery != nil {
		resp.Query = s.GeneratedQuery.Query
		resp.Explanation = s.GeneratedQuery.Explanation
	}
	if s.MetadataResponse != "" {
		resp.MetadataResponse = s.MetadataResponse
	}
	if s.ValidationFeedback != nil {
		resp.Validation = &ValidationSummary{
			Valid:      s.ValidationFeedback.OverallValid,
			ReasonCode: string(s.ValidationFeedback.ReasonCode),
			Reason:     s.ValidationFeedback.Reason,
		}
	}
	return resp
}

// stepLabels maps internal step markers to display text. Markers not
// listed fall back to a generic rendering of the marker itself.
var stepLabels = map[string]string{
	types.StepWorkflowStarted:     "Starting workflow",
	types.StepWorkflowCompleted:   "Workflow completed",
	types.StepWorkflowFailed:      "Workflow failed",
	types.StepMaxRetriesExhausted: "Retry budget exhausted",
	types.StepLimitExceeded:       "Step limit exceeded",
	types.StepWorkflowCancelled:   "Workflow cancelled",

	types.StepProcessing(types.StageRouter):             "Classifying query",
	types.StepCompleted(types.StageRouter):              "Query classified",
	types.StepProcessing(types.StageMetadataAgent):      "Answering metadata query",
	types.StepCompleted(types.StageMetadataAgent):       "Metadata query answered",
	types.StepProcessing(types.StageDatabaseIdentifier): "Identifying databases",
	types.StepCompleted(types.StageDatabaseIdentifier):  "Databases identified",
	types.StepProcessing(types.StageTableIdentifier):    "Identifying tables",
	types.StepCompleted(types.StageTableIdentifier):     "Tables identified",
	types.StepProcessing(types.StageColumnIdentifier):   "Identifying columns",
	types.StepCompleted(types.StageColumnIdentifier):    "Columns identified",
	types.StepProcessing(types.StageSchemaBuilder):      "Assembling schema context",
	types.StepCompleted(types.StageSchemaBuilder):       "Schema context ready",
	types.StepProcessing(types.StageQueryPlanner):       "Planning query",
	types.StepCompleted(types.StageQueryPlanner):        "Query planned",
	types.StepProcessing(types.StageQueryGenerator):     "Generating query",
	types.StepCompleted(types.StageQueryGenerator):      "Query generated",
	types.StepProcessing(types.StageQueryValidator):     "Validating query",
	types.StepCompleted(types.StageQueryValidator):      "Query validated",

	types.StepProcessing(types.StageDatabaseHumanReview): "Waiting for database review",
	types.StepProcessing(types.StageTableHumanReview):    "Waiting for table review",
	types.StepCompleted(types.StageDatabaseHumanReview):  "Database review completed",
	types.StepCompleted(types.StageTableHumanReview):     "Table review completed",
}

// StepLabel returns the human-readable label for a step marker.
func StepLabel(step string) string {
	if label, ok := stepLabels[step]; ok {
		return label
	}
	return "Processing (" + step + ")"
}

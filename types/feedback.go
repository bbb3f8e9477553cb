package types

import "time"

// ReasonCode classifies why the validator rejected (or accepted) a query.
// The mapping from reason code to restart point is the heart of the retry
// strategy: it converts an unstructured model judgment into a bounded,
// terminating loop.
type ReasonCode string

const (
	ReasonAccepted              ReasonCode = "accepted"
	ReasonAcceptedMinorIssues   ReasonCode = "accepted_with_minor_issues"
	ReasonSchemaMissing         ReasonCode = "schema_missing"
	ReasonSQLGenerationIssue    ReasonCode = "sql_generation_issue"
	ReasonInsufficientData      ReasonCode = "insufficient_data"
	ReasonQueryScopeIssue       ReasonCode = "query_scope_issue"
	ReasonDataTypeMismatch      ReasonCode = "data_type_mismatch"
	ReasonJoinRelationshipError ReasonCode = "join_relationship_error"
	ReasonUnknown               ReasonCode = "unknown"
)

// Accepting reports whether the code represents a passing verdict.
func (c ReasonCode) Accepting() bool {
	return c == ReasonAccepted || c == ReasonAcceptedMinorIssues
}

// ValidationIssue is a single problem the validator found in the query.
type ValidationIssue struct {
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// ValidationRecord is one historical validator verdict, kept so exhaustion
// advisories can summarize every attempt.
type ValidationRecord struct {
	ReasonCode ReasonCode `json:"reason_code"`
	Reason     string     `json:"reason"`
	At         time.Time  `json:"at"`
}

// ValidationFeedback is the validator's last verdict plus its history.
type ValidationFeedback struct {
	OverallValid bool               `json:"overall_valid"`
	ReasonCode   ReasonCode         `json:"reason_code"`
	Reason       string             `json:"reason"`
	Issues       []ValidationIssue  `json:"issues,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
	History      []ValidationRecord `json:"history,omitempty"`
}

// ReviewType names a HITL checkpoint kind. Only stages producing a
// reviewable artifact have one.
type ReviewType string

const (
	ReviewDatabases ReviewType = "databases"
	ReviewTables    ReviewType = "tables"
)

// Valid reports whether t is a known review type.
func (t ReviewType) Valid() bool {
	return t == ReviewDatabases || t == ReviewTables
}

// PendingReview is the serializable token describing an outstanding HITL
// approval request. It is non-nil exactly while the workflow is suspended
// waiting for external feedback.
type PendingReview struct {
	Type  ReviewType `json:"type"`
	Items []string   `json:"items"`
}

// FeedbackAction is the top-level verb of a HITL feedback payload.
type FeedbackAction string

const (
	ActionApprove FeedbackAction = "approve"
	ActionModify  FeedbackAction = "modify"
	ActionReject  FeedbackAction = "reject"
)

// FeedbackPayload is the caller-supplied response to a pending review.
// ApprovedItems, when present, is the subset of the displayed list the
// user wants to keep; SuggestedItems are additions to validate against the
// knowledge base.
type FeedbackPayload struct {
	CheckpointID   string         `json:"checkpointId"`
	Action         FeedbackAction `json:"action"`
	ApprovedItems  []string       `json:"approvedItems,omitempty"`
	SuggestedItems []string       `json:"suggestedItems,omitempty"`
	FeedbackText   string         `json:"feedbackText,omitempty"`
}

// ModificationType records how the last HITL feedback changed the
// selection, for routing and display.
type ModificationType string

const (
	ModificationApprove ModificationType = "approve"
	ModificationReject  ModificationType = "reject"
	ModificationAdd     ModificationType = "add"
	ModificationRemove  ModificationType = "remove"
	ModificationReplace ModificationType = "replace"
	ModificationModify  ModificationType = "modify"
)

// GeneratedQuery is the artifact produced by the query generator.
type GeneratedQuery struct {
	Query       string   `json:"query"`
	Database    string   `json:"database"`
	TablesUsed  []string `json:"tables_used"`
	ColumnsUsed []string `json:"columns_used"`
	Explanation string   `json:"explanation,omitempty"`
	QueryType   string   `json:"query_type"`
}

package types

// Interaction modes. Interactive mode activates the HITL checkpoints;
// ask mode runs the pipeline straight through.
type InteractionMode string

const (
	ModeAsk         InteractionMode = "ask"
	ModeInteractive InteractionMode = "interactive"
)

// Workflow-level step markers that do not belong to a single stage.
const (
	StepWorkflowStarted     = "workflow_started"
	StepWorkflowCompleted   = "workflow_completed"
	StepWorkflowFailed      = "workflow_failed"
	StepMaxRetriesExhausted = "max_retries_exhausted"
	StepLimitExceeded       = "step_limit_exceeded"
	StepWorkflowCancelled   = "workflow_cancelled"
)

// Per-stage step markers, derived uniformly from the stage ID.
func StepProcessing(id StageID) string { return "processing_" + string(id) }
func StepCompleted(id StageID) string  { return string(id) + "_completed" }
func StepRetry(id StageID) string     { return string(id) + "_retry" }
func StepFailed(id StageID) string    { return string(id) + "_failed" }

// Default retry budgets.
const (
	DefaultWorkflowRetries = 3
	DefaultStepRetries     = 2
)

// State is the single mutable record threaded through every stage of one
// query execution. It is owned exclusively by that execution's engine;
// stages never write it directly, they return a StateDelta the engine
// merges. The whole struct is JSON-serializable so a suspended workflow
// can be checkpointed and resumed in a different process.
type State struct {
	// Query is the natural-language input, immutable after creation.
	Query string `json:"query"`

	// Routing information produced by the router stage.
	IsMetadataQuery bool   `json:"is_metadata_query"`
	Dialect         string `json:"dialect,omitempty"`

	// Metadata branch output.
	MetadataResponse string `json:"metadata_response,omitempty"`
	MetadataType     string `json:"metadata_type,omitempty"`

	// Tiered schema retrieval output.
	RelevantDatabases []string `json:"relevant_databases,omitempty"`
	RelevantTables    []string `json:"relevant_tables,omitempty"`
	RelevantColumns   []string `json:"relevant_columns,omitempty"`

	// SchemaContext is the assembled schema information keyed by table.
	SchemaContext map[string]any `json:"schema_context,omitempty"`

	// QueryPlan is the ordered list of logical steps from the planner.
	QueryPlan []string `json:"query_plan,omitempty"`

	// GeneratedQuery is the rendered query, nil until generation runs.
	GeneratedQuery *GeneratedQuery `json:"generated_query,omitempty"`

	// Validation verdict.
	IsQueryValid       bool                `json:"is_query_valid"`
	ValidationFeedback *ValidationFeedback `json:"validation_feedback,omitempty"`

	// Flow control. CurrentStep doubles as the state machine's program
	// counter; it only moves along router-approved edges.
	CurrentStep     string          `json:"current_step"`
	RetriesLeft     int             `json:"retries_left"`
	StepRetriesLeft map[StageID]int `json:"step_retries_left"`
	LastErrorType   string          `json:"last_error_type,omitempty"`
	UserMessage     string          `json:"user_message,omitempty"`

	// Human-in-the-loop bookkeeping.
	InteractionMode      InteractionMode     `json:"interaction_mode"`
	HumanFeedback        string              `json:"human_feedback,omitempty"`
	HumanApprovals       map[ReviewType]bool `json:"human_approvals,omitempty"`
	FeedbackProcessed    bool                `json:"feedback_processed"`
	LastModificationType ModificationType    `json:"last_modification_type,omitempty"`
	PendingReview        *PendingReview      `json:"pending_review,omitempty"`

	// Resume routing hints. When IsResuming is set the router defers to
	// ResumeStartStage instead of evaluating its decision table, so resume
	// is driven entirely by persisted state.
	IsResuming       bool    `json:"is_resuming"`
	ResumeStartStage StageID `json:"resume_start_stage,omitempty"`
}

// NewState creates the state for one incoming query with default budgets.
func NewState(query string, mode InteractionMode) *State {
	return NewStateWithBudgets(query, mode, DefaultWorkflowRetries, DefaultStepRetries)
}

// NewStateWithBudgets creates the state with explicit retry budgets.
// Non-positive budgets fall back to the defaults.
func NewStateWithBudgets(query string, mode InteractionMode, workflowRetries, stepRetries int) *State {
	if mode == "" {
		mode = ModeAsk
	}
	if workflowRetries <= 0 {
		workflowRetries = DefaultWorkflowRetries
	}
	if stepRetries <= 0 {
		stepRetries = DefaultStepRetries
	}
	budgets := make(map[StageID]int, len(AllStages))
	for _, s := range AllStages {
		budgets[s] = stepRetries
	}
	return &State{
		Query:           query,
		CurrentStep:     StepWorkflowStarted,
		RetriesLeft:     workflowRetries,
		StepRetriesLeft: budgets,
		InteractionMode: mode,
		HumanApprovals:  make(map[ReviewType]bool),
	}
}

// Clone returns a deep copy of the state. Snapshots handed to streaming
// consumers are clones so a later stage cannot mutate what the caller
// already received.
func (s *State) Clone() *State {
	c := *s
	c.RelevantDatabases = append([]string(nil), s.RelevantDatabases...)
	c.RelevantTables = append([]string(nil), s.RelevantTables...)
	c.RelevantColumns = append([]string(nil), s.RelevantColumns...)
	c.QueryPlan = append([]string(nil), s.QueryPlan...)
	if s.SchemaContext != nil {
		c.SchemaContext = make(map[string]any, len(s.SchemaContext))
		for k, v := range s.SchemaContext {
			c.SchemaContext[k] = v
		}
	}
	if s.StepRetriesLeft != nil {
		c.StepRetriesLeft = make(map[StageID]int, len(s.StepRetriesLeft))
		for k, v := range s.StepRetriesLeft {
			c.StepRetriesLeft[k] = v
		}
	}
	if s.HumanApprovals != nil {
		c.HumanApprovals = make(map[ReviewType]bool, len(s.HumanApprovals))
		for k, v := range s.HumanApprovals {
			c.HumanApprovals[k] = v
		}
	}
	if s.GeneratedQuery != nil {
		q := *s.GeneratedQuery
		q.TablesUsed = append([]string(nil), s.GeneratedQuery.TablesUsed...)
		q.ColumnsUsed = append([]string(nil), s.GeneratedQuery.ColumnsUsed...)
		c.GeneratedQuery = &q
	}
	if s.ValidationFeedback != nil {
		f := *s.ValidationFeedback
		f.Issues = append([]ValidationIssue(nil), s.ValidationFeedback.Issues...)
		f.Suggestions = append([]string(nil), s.ValidationFeedback.Suggestions...)
		f.History = append([]ValidationRecord(nil), s.ValidationFeedback.History...)
		c.ValidationFeedback = &f
	}
	if s.PendingReview != nil {
		p := *s.PendingReview
		p.Items = append([]string(nil), s.PendingReview.Items...)
		c.PendingReview = &p
	}
	return &c
}

// Approved reports whether the given review type has been approved.
func (s *State) Approved(t ReviewType) bool {
	return s.HumanApprovals != nil && s.HumanApprovals[t]
}

// Terminal reports whether the workflow has reached a final step.
func (s *State) Terminal() bool {
	switch s.CurrentStep {
	case StepWorkflowCompleted, StepWorkflowFailed, StepMaxRetriesExhausted,
		StepLimitExceeded, StepWorkflowCancelled, StepCompleted(StageMetadataAgent):
		return true
	}
	return false
}

// StateDelta is the set of field updates a stage returns on success. Nil
// fields are untouched by Apply, which is what makes retries safe: a
// failed stage leaves the state exactly as it found it. Slices and maps
// replace the previous value wholesale when non-nil (an empty non-nil
// slice clears the field).
type StateDelta struct {
	IsMetadataQuery      *bool
	Dialect              *string
	MetadataResponse     *string
	MetadataType         *string
	RelevantDatabases    []string
	RelevantTables       []string
	RelevantColumns      []string
	SchemaContext        map[string]any
	QueryPlan            []string
	GeneratedQuery       *GeneratedQuery
	IsQueryValid         *bool
	ValidationFeedback   *ValidationFeedback
	HumanFeedback        *string
	HumanApprovals       map[ReviewType]bool
	FeedbackProcessed    *bool
	LastModificationType *ModificationType
	PendingReview        *PendingReview
	ClearPendingReview   bool
	UserMessage          *string
}

// Apply merges the delta into the state additively: only fields the stage
// explicitly set change. System fields not present in StateDelta
// (retry budgets, current step, resume flags) are engine-owned and can
// never be overwritten by a stage.
func (d *StateDelta) Apply(s *State) {
	if d == nil {
		return
	}
	if d.IsMetadataQuery != nil {
		s.IsMetadataQuery = *d.IsMetadataQuery
	}
	if d.Dialect != nil {
		s.Dialect = *d.Dialect
	}
	if d.MetadataResponse != nil {
		s.MetadataResponse = *d.MetadataResponse
	}
	if d.MetadataType != nil {
		s.MetadataType = *d.MetadataType
	}
	if d.RelevantDatabases != nil {
		s.RelevantDatabases = d.RelevantDatabases
	}
	if d.RelevantTables != nil {
		s.RelevantTables = d.RelevantTables
	}
	if d.RelevantColumns != nil {
		s.RelevantColumns = d.RelevantColumns
	}
	if d.SchemaContext != nil {
		s.SchemaContext = d.SchemaContext
	}
	if d.QueryPlan != nil {
		s.QueryPlan = d.QueryPlan
	}
	if d.GeneratedQuery != nil {
		s.GeneratedQuery = d.GeneratedQuery
	}
	if d.IsQueryValid != nil {
		s.IsQueryValid = *d.IsQueryValid
	}
	if d.ValidationFeedback != nil {
		// Merge into a copy so the delta itself is never mutated.
		fb := *d.ValidationFeedback
		if s.ValidationFeedback != nil {
			fb.History = append(append([]ValidationRecord(nil), s.ValidationFeedback.History...), d.ValidationFeedback.History...)
		}
		s.ValidationFeedback = &fb
	}
	if d.HumanFeedback != nil {
		s.HumanFeedback = *d.HumanFeedback
	}
	if d.HumanApprovals != nil {
		s.HumanApprovals = d.HumanApprovals
	}
	if d.FeedbackProcessed != nil {
		s.FeedbackProcessed = *d.FeedbackProcessed
	}
	if d.LastModificationType != nil {
		s.LastModificationType = *d.LastModificationType
	}
	if d.PendingReview != nil {
		s.PendingReview = d.PendingReview
	} else if d.ClearPendingReview {
		s.PendingReview = nil
	}
	if d.UserMessage != nil {
		s.UserMessage = *d.UserMessage
	}
}

// Pointer helpers for optional delta fields.
func Bool(v bool) *bool                            { return &v }
func Str(v string) *string                         { return &v }
func Modification(v ModificationType) *ModificationType { return &v }

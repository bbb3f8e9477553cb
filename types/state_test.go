package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	s := NewState("total revenue", ModeInteractive)

	assert.Equal(t, "total revenue", s.Query)
	assert.Equal(t, StepWorkflowStarted, s.CurrentStep)
	assert.Equal(t, ModeInteractive, s.InteractionMode)
	assert.Equal(t, DefaultWorkflowRetries, s.RetriesLeft)
	require.Len(t, s.StepRetriesLeft, len(AllStages))
	for _, id := range AllStages {
		assert.Equal(t, DefaultStepRetries, s.StepRetriesLeft[id], "budget for %s", id)
	}
	assert.NotNil(t, s.HumanApprovals)

	assert.Equal(t, ModeAsk, NewState("q", "").InteractionMode, "empty mode defaults to ask")
}

func TestNewStateWithBudgets(t *testing.T) {
	s := NewStateWithBudgets("q", ModeAsk, 5, 3)
	assert.Equal(t, 5, s.RetriesLeft)
	assert.Equal(t, 3, s.StepRetriesLeft[StageQueryPlanner])

	// Non-positive budgets fall back to the defaults.
	s = NewStateWithBudgets("q", ModeAsk, 0, -1)
	assert.Equal(t, DefaultWorkflowRetries, s.RetriesLeft)
	assert.Equal(t, DefaultStepRetries, s.StepRetriesLeft[StageQueryPlanner])
}

func TestState_Clone(t *testing.T) {
	s := NewState("q", ModeInteractive)
	s.RelevantDatabases = []string{"sales"}
	s.RelevantTables = []string{"sales.orders"}
	s.SchemaContext = map[string]any{"sales.orders": "schema"}
	s.GeneratedQuery = &GeneratedQuery{Query: "SELECT 1", TablesUsed: []string{"sales.orders"}}
	s.ValidationFeedback = &ValidationFeedback{
		ReasonCode: ReasonSchemaMissing,
		Issues:     []ValidationIssue{{Description: "missing column"}},
	}
	s.PendingReview = &PendingReview{Type: ReviewDatabases, Items: []string{"sales"}}
	s.HumanApprovals[ReviewDatabases] = true

	c := s.Clone()
	require.Equal(t, s, c)

	// Mutating the clone leaves the original untouched at every level.
	c.RelevantDatabases[0] = "mutated"
	c.SchemaContext["sales.orders"] = "mutated"
	c.StepRetriesLeft[StageRouter] = 0
	c.HumanApprovals[ReviewTables] = true
	c.GeneratedQuery.Query = "mutated"
	c.GeneratedQuery.TablesUsed[0] = "mutated"
	c.ValidationFeedback.Issues[0].Description = "mutated"
	c.PendingReview.Items[0] = "mutated"

	assert.Equal(t, []string{"sales"}, s.RelevantDatabases)
	assert.Equal(t, "schema", s.SchemaContext["sales.orders"])
	assert.Equal(t, DefaultStepRetries, s.StepRetriesLeft[StageRouter])
	assert.False(t, s.HumanApprovals[ReviewTables])
	assert.Equal(t, "SELECT 1", s.GeneratedQuery.Query)
	assert.Equal(t, []string{"sales.orders"}, s.GeneratedQuery.TablesUsed)
	assert.Equal(t, "missing column", s.ValidationFeedback.Issues[0].Description)
	assert.Equal(t, []string{"sales"}, s.PendingReview.Items)
}

func TestState_Terminal(t *testing.T) {
	terminal := []string{
		StepWorkflowCompleted,
		StepWorkflowFailed,
		StepMaxRetriesExhausted,
		StepLimitExceeded,
		StepWorkflowCancelled,
		StepCompleted(StageMetadataAgent),
	}
	s := NewState("q", ModeAsk)
	for _, step := range terminal {
		s.CurrentStep = step
		assert.True(t, s.Terminal(), "step %s", step)
	}
	for _, step := range []string{StepWorkflowStarted, StepCompleted(StageRouter), StepProcessing(StageQueryPlanner)} {
		s.CurrentStep = step
		assert.False(t, s.Terminal(), "step %s", step)
	}
}

func TestStateDelta_Apply(t *testing.T) {
	t.Run("nil fields are untouched", func(t *testing.T) {
		s := NewState("q", ModeAsk)
		s.RelevantDatabases = []string{"sales"}
		s.IsQueryValid = true

		(&StateDelta{Dialect: Str("sql")}).Apply(s)

		assert.Equal(t, "sql", s.Dialect)
		assert.Equal(t, []string{"sales"}, s.RelevantDatabases)
		assert.True(t, s.IsQueryValid)
	})

	t.Run("nil delta is a no-op", func(t *testing.T) {
		s := NewState("q", ModeAsk)
		var d *StateDelta
		d.Apply(s)
		assert.Equal(t, StepWorkflowStarted, s.CurrentStep)
	})

	t.Run("non-nil slices replace wholesale", func(t *testing.T) {
		s := NewState("q", ModeAsk)
		s.RelevantTables = []string{"sales.orders", "sales.customers"}

		(&StateDelta{RelevantTables: []string{"hr.employees"}}).Apply(s)
		assert.Equal(t, []string{"hr.employees"}, s.RelevantTables)

		// An empty non-nil slice clears the field.
		(&StateDelta{RelevantTables: []string{}}).Apply(s)
		assert.Empty(t, s.RelevantTables)
	})

	t.Run("validation history accumulates across verdicts", func(t *testing.T) {
		s := NewState("q", ModeAsk)

		(&StateDelta{ValidationFeedback: &ValidationFeedback{
			ReasonCode: ReasonSchemaMissing,
			History:    []ValidationRecord{{ReasonCode: ReasonSchemaMissing}},
		}}).Apply(s)
		(&StateDelta{ValidationFeedback: &ValidationFeedback{
			ReasonCode: ReasonAccepted,
			History:    []ValidationRecord{{ReasonCode: ReasonAccepted}},
		}}).Apply(s)

		assert.Equal(t, ReasonAccepted, s.ValidationFeedback.ReasonCode)
		require.Len(t, s.ValidationFeedback.History, 2)
		assert.Equal(t, ReasonSchemaMissing, s.ValidationFeedback.History[0].ReasonCode)
		assert.Equal(t, ReasonAccepted, s.ValidationFeedback.History[1].ReasonCode)
	})

	t.Run("apply never mutates the delta", func(t *testing.T) {
		s := NewState("q", ModeAsk)
		s.ValidationFeedback = &ValidationFeedback{
			History: []ValidationRecord{{ReasonCode: ReasonSchemaMissing}},
		}
		d := &StateDelta{ValidationFeedback: &ValidationFeedback{
			ReasonCode: ReasonAccepted,
			History:    []ValidationRecord{{ReasonCode: ReasonAccepted}},
		}}

		d.Apply(s)
		d.Apply(s)

		require.Len(t, d.ValidationFeedback.History, 1, "delta keeps its own history")
		require.Len(t, s.ValidationFeedback.History, 3)
		assert.Equal(t, ReasonSchemaMissing, s.ValidationFeedback.History[0].ReasonCode)
	})

	t.Run("pending review set and clear", func(t *testing.T) {
		s := NewState("q", ModeAsk)

		(&StateDelta{PendingReview: &PendingReview{Type: ReviewDatabases, Items: []string{"sales"}}}).Apply(s)
		require.NotNil(t, s.PendingReview)

		(&StateDelta{ClearPendingReview: true}).Apply(s)
		assert.Nil(t, s.PendingReview)
	})
}

func TestError(t *testing.T) {
	cause := NewError(ErrModelUnavailable, "connection refused")
	err := NewError(ErrStageFailed, "planner failed").
		WithCause(cause).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithStage(StageQueryPlanner)

	assert.Contains(t, err.Error(), "STAGE_FAILED")
	assert.Contains(t, err.Error(), "planner failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, 502, err.HTTPStatus)
	assert.Equal(t, StageQueryPlanner, err.Stage)

	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(cause))
	assert.Equal(t, ErrStageFailed, GetErrorCode(err))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}

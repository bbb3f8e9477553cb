package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/queryflow/types"
)

func TestRetryController_OnStageFailure(t *testing.T) {
	r := NewRetryController(nil)
	s := types.NewState("q", types.ModeAsk)
	stage := types.StageQueryPlanner
	require.Equal(t, types.DefaultStepRetries, s.StepRetriesLeft[stage])

	// First failure: retry granted, budget decremented, retry marker set.
	retried := r.OnStageFailure(s, stage, "model timeout")
	assert.True(t, retried)
	assert.Equal(t, types.DefaultStepRetries-1, s.StepRetriesLeft[stage])
	assert.Equal(t, types.StepRetry(stage), s.CurrentStep)
	assert.Equal(t, LastErrorStepRetry, s.LastErrorType)

	// Drain the budget.
	for s.StepRetriesLeft[stage] > 0 {
		assert.True(t, r.OnStageFailure(s, stage, "model timeout"))
	}

	// Budget spent: permanent failure, marker cleared.
	retried = r.OnStageFailure(s, stage, "model timeout")
	assert.False(t, retried)
	assert.Equal(t, 0, s.StepRetriesLeft[stage], "budget never goes negative")
	assert.Equal(t, types.StepFailed(stage), s.CurrentStep)
	assert.Empty(t, s.LastErrorType)
}

func TestRetryController_BudgetsAreIndependentPerStage(t *testing.T) {
	r := NewRetryController(nil)
	s := types.NewState("q", types.ModeAsk)

	r.OnStageFailure(s, types.StageQueryPlanner, "boom")
	assert.Equal(t, types.DefaultStepRetries-1, s.StepRetriesLeft[types.StageQueryPlanner])
	assert.Equal(t, types.DefaultStepRetries, s.StepRetriesLeft[types.StageQueryGenerator],
		"other stages keep their full budget")
}

func TestRetryController_OnValidationRejected(t *testing.T) {
	r := NewRetryController(nil)
	s := types.NewState("q", types.ModeAsk)
	require.Equal(t, types.DefaultWorkflowRetries, s.RetriesLeft)

	for i := types.DefaultWorkflowRetries; i > 0; i-- {
		assert.False(t, r.Exhausted(s))
		r.OnValidationRejected(s)
		assert.Equal(t, i-1, s.RetriesLeft)
	}
	assert.True(t, r.Exhausted(s))

	// Further rejections never drive the counter below zero.
	r.OnValidationRejected(s)
	assert.Equal(t, 0, s.RetriesLeft)
}

// Budgets only ever move toward zero, one unit at a time, no matter how
// failures and rejections interleave.
func TestRetryController_BudgetsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRetryController(nil)
		s := types.NewStateWithBudgets("q", types.ModeAsk,
			rapid.IntRange(1, 6).Draw(t, "workflowBudget"),
			rapid.IntRange(1, 5).Draw(t, "stepBudget"),
		)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			prevWorkflow := s.RetriesLeft
			stage := types.AllStages[rapid.IntRange(0, len(types.AllStages)-1).Draw(t, "stage")]
			prevStep := s.StepRetriesLeft[stage]

			if rapid.Bool().Draw(t, "rejectInsteadOfFail") {
				r.OnValidationRejected(s)
				if prevWorkflow > 0 && s.RetriesLeft != prevWorkflow-1 {
					t.Fatalf("workflow budget %d -> %d, want single decrement", prevWorkflow, s.RetriesLeft)
				}
			} else {
				retried := r.OnStageFailure(s, stage, "boom")
				if retried != (prevStep > 0) {
					t.Fatalf("retry granted=%v with budget %d", retried, prevStep)
				}
			}

			if s.RetriesLeft < 0 || s.RetriesLeft > prevWorkflow {
				t.Fatalf("workflow budget moved %d -> %d", prevWorkflow, s.RetriesLeft)
			}
			if got := s.StepRetriesLeft[stage]; got < 0 || got > prevStep {
				t.Fatalf("step budget for %s moved %d -> %d", stage, prevStep, got)
			}
		}
	})
}

func TestRetryController_FinalizeExhausted(t *testing.T) {
	t.Run("with a generated query", func(t *testing.T) {
		r := NewRetryController(nil)
		s := types.NewState("q", types.ModeAsk)
		s.RetriesLeft = 0
		s.GeneratedQuery = &types.GeneratedQuery{Query: "SELECT 1"}
		s.ValidationFeedback = &types.ValidationFeedback{
			ReasonCode: types.ReasonSchemaMissing,
			Issues: []types.ValidationIssue{
				{Description: "column missing from schema"},
				{Description: "ambiguous join"},
			},
			Suggestions: []string{"add the orders table"},
		}

		r.FinalizeExhausted(s)

		assert.Equal(t, types.StepMaxRetriesExhausted, s.CurrentStep)
		assert.Equal(t, "SELECT 1", s.GeneratedQuery.Query, "last query is kept")
		assert.Contains(t, s.GeneratedQuery.Explanation, "validation issues")
		assert.Contains(t, s.GeneratedQuery.Explanation, "column missing from schema")
		assert.Contains(t, s.GeneratedQuery.Explanation, "ambiguous join")
		assert.Contains(t, s.GeneratedQuery.Explanation, "add the orders table")
		assert.Contains(t, s.UserMessage, "review the query")
	})

	t.Run("without a generated query", func(t *testing.T) {
		r := NewRetryController(nil)
		s := types.NewState("q", types.ModeAsk)
		s.RetriesLeft = 0

		r.FinalizeExhausted(s)

		assert.Equal(t, types.StepMaxRetriesExhausted, s.CurrentStep)
		assert.Nil(t, s.GeneratedQuery)
		assert.Contains(t, s.UserMessage, "rephrase")
	})

	t.Run("feedback with only a reason string", func(t *testing.T) {
		r := NewRetryController(nil)
		s := types.NewState("q", types.ModeAsk)
		s.RetriesLeft = 0
		s.GeneratedQuery = &types.GeneratedQuery{Query: "SELECT 1"}
		s.ValidationFeedback = &types.ValidationFeedback{Reason: "the join condition is wrong"}

		r.FinalizeExhausted(s)

		assert.Contains(t, s.GeneratedQuery.Explanation, "the join condition is wrong")
	})
}

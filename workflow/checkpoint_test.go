package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
)

func testCatalog() *kb.StaticCatalog {
	return kb.NewStaticCatalog([]*kb.TableSchema{
		{Database: "sales", Table: "orders", Columns: []kb.ColumnInfo{{Name: "total", Type: "decimal"}}},
		{Database: "sales", Table: "customers", Columns: []kb.ColumnInfo{{Name: "name", Type: "text"}}},
		{Database: "hr", Table: "employees", Columns: []kb.ColumnInfo{{Name: "salary", Type: "decimal"}}},
	})
}

func newTestCheckpointManager(t *testing.T) (*CheckpointManager, *InMemoryCheckpointStore) {
	t.Helper()
	store := NewInMemoryCheckpointStore()
	return NewCheckpointManager(store, testCatalog(), zap.NewNop()), store
}

func suspendedState(review types.ReviewType, items []string) *types.State {
	s := types.NewState("q", types.ModeInteractive)
	if review == types.ReviewTables {
		s.RelevantDatabases = []string{"sales"}
		s.RelevantTables = items
		s.CurrentStep = types.StepCompleted(types.StageTableHumanReview)
	} else {
		s.RelevantDatabases = items
		s.CurrentStep = types.StepCompleted(types.StageDatabaseHumanReview)
	}
	s.PendingReview = &types.PendingReview{Type: review, Items: append([]string(nil), items...)}
	return s
}

func TestCheckpointManager_SuspendPersistsSnapshot(t *testing.T) {
	m, store := newTestCheckpointManager(t)
	state := suspendedState(types.ReviewDatabases, []string{"sales"})

	cp, err := m.Suspend(context.Background(), "sess-1", state)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "sess-1", cp.SessionID)
	assert.False(t, cp.CreatedAt.IsZero())

	// The snapshot is a clone: later mutation of the live state must not
	// change what was persisted.
	state.RelevantDatabases[0] = "mutated"
	loaded, err := store.Load(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, loaded.State.RelevantDatabases)
}

func TestCheckpointManager_SuspendRequiresPendingReview(t *testing.T) {
	m, _ := newTestCheckpointManager(t)
	state := types.NewState("q", types.ModeInteractive)

	_, err := m.Suspend(context.Background(), "sess-1", state)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoPendingReview, err.(*types.Error).Code)
}

func TestCheckpointManager_ApplyFeedbackApprove(t *testing.T) {
	m, _ := newTestCheckpointManager(t)
	state := suspendedState(types.ReviewDatabases, []string{"sales"})

	outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{Action: types.ActionApprove})
	require.NoError(t, err)

	assert.True(t, outcome.Applied)
	assert.Equal(t, types.ModificationApprove, outcome.Modification)
	assert.Equal(t, []string{"sales"}, outcome.UpdatedItems)
	assert.Contains(t, outcome.Summary, "approved")

	assert.True(t, state.Approved(types.ReviewDatabases))
	assert.Nil(t, state.PendingReview)
	assert.Equal(t, types.StepCompleted(types.StageDatabaseHumanReview), state.CurrentStep)

	// The router now advances past the consumed review.
	assert.Equal(t, types.StageTableIdentifier, Route(state).Next)
}

func TestCheckpointManager_ApplyFeedbackReject(t *testing.T) {
	m, _ := newTestCheckpointManager(t)
	state := suspendedState(types.ReviewTables, []string{"sales.orders"})

	outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{Action: types.ActionReject})
	require.NoError(t, err)

	assert.True(t, outcome.Applied)
	assert.Equal(t, types.ModificationReject, outcome.Modification)
	assert.False(t, state.Approved(types.ReviewTables))
	assert.Nil(t, state.PendingReview)

	// Rejection re-runs the producing stage.
	assert.Equal(t, types.StageTableIdentifier, Route(state).Next)
}

func TestCheckpointManager_ApplyFeedbackModify(t *testing.T) {
	t.Run("add a valid suggestion", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewDatabases, []string{"sales"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:         types.ActionModify,
			SuggestedItems: []string{"hr"},
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, types.ModificationAdd, outcome.Modification)
		assert.Equal(t, []string{"sales", "hr"}, outcome.UpdatedItems)
		assert.Equal(t, []string{"sales", "hr"}, state.RelevantDatabases)
		assert.True(t, state.FeedbackProcessed)
		assert.False(t, state.Approved(types.ReviewDatabases))

		// The updated list goes through another review round.
		d := Route(state)
		assert.Equal(t, types.StageDatabaseHumanReview, d.Next)
		assert.True(t, d.ClearFeedbackProcessed)
	})

	t.Run("remove via approved subset", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewDatabases, []string{"sales", "hr"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:        types.ActionModify,
			ApprovedItems: []string{"sales"},
		})
		require.NoError(t, err)

		assert.Equal(t, types.ModificationRemove, outcome.Modification)
		assert.Equal(t, []string{"sales"}, state.RelevantDatabases)
	})

	t.Run("replace", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewDatabases, []string{"sales"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:         types.ActionModify,
			ApprovedItems:  []string{},
			SuggestedItems: []string{"hr"},
		})
		require.NoError(t, err)

		assert.Equal(t, types.ModificationReplace, outcome.Modification)
		assert.Equal(t, []string{"hr"}, state.RelevantDatabases)
	})

	t.Run("invalid suggestions are reported, not applied", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewDatabases, []string{"sales"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:         types.ActionModify,
			SuggestedItems: []string{"warehouse", "hr"},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"warehouse"}, outcome.InvalidSuggestions)
		assert.Equal(t, []string{"sales", "hr"}, state.RelevantDatabases)
		assert.Contains(t, outcome.Summary, `"warehouse"`)
	})

	t.Run("no net change auto-approves", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewDatabases, []string{"sales"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:         types.ActionModify,
			ApprovedItems:  []string{"sales"},
			SuggestedItems: []string{"sales", "nonexistent"},
		})
		require.NoError(t, err)

		assert.True(t, outcome.AutoApproved)
		assert.Equal(t, types.ModificationApprove, outcome.Modification)
		assert.True(t, state.Approved(types.ReviewDatabases),
			"a no-op modify must not loop the review forever")
		assert.Equal(t, types.StageTableIdentifier, Route(state).Next)
	})

	t.Run("bare table suggestion is qualified against selected databases", func(t *testing.T) {
		m, _ := newTestCheckpointManager(t)
		state := suspendedState(types.ReviewTables, []string{"sales.orders"})

		outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
			Action:         types.ActionModify,
			SuggestedItems: []string{"customers", "employees"},
		})
		require.NoError(t, err)

		// customers exists in the selected sales database; employees only
		// in hr, which is not selected.
		assert.Equal(t, []string{"sales.orders", "sales.customers"}, state.RelevantTables)
		assert.Equal(t, []string{"employees"}, outcome.InvalidSuggestions)
	})
}

func TestCheckpointManager_ApplyFeedbackDuplicateIsNoOp(t *testing.T) {
	m, _ := newTestCheckpointManager(t)
	state := suspendedState(types.ReviewDatabases, []string{"sales"})

	first, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{Action: types.ActionApprove})
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{Action: types.ActionApprove})
	require.NoError(t, err)
	assert.False(t, second.Applied, "re-delivery after the review was consumed is a no-op")
	assert.True(t, state.Approved(types.ReviewDatabases))
}

func TestCheckpointManager_ApplyFeedbackUnknownActionFailsClosed(t *testing.T) {
	m, _ := newTestCheckpointManager(t)
	state := suspendedState(types.ReviewDatabases, []string{"sales"})

	_, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{Action: "escalate"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidFeedback, err.(*types.Error).Code)
	assert.NotNil(t, state.PendingReview, "a malformed payload leaves the state untouched")
}

func TestCheckpointManager_NilRetrieverAcceptsSuggestions(t *testing.T) {
	m := NewCheckpointManager(NewInMemoryCheckpointStore(), nil, zap.NewNop())
	state := suspendedState(types.ReviewDatabases, []string{"sales"})

	outcome, err := m.ApplyFeedback(context.Background(), state, types.FeedbackPayload{
		Action:         types.ActionModify,
		SuggestedItems: []string{"anything"},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.InvalidSuggestions)
	assert.Contains(t, state.RelevantDatabases, "anything")
}

func TestResumeStage(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.State)
		want   types.StageID
	}{
		{
			name:   "terminal state resumes nowhere",
			mutate: func(s *types.State) { s.CurrentStep = types.StepWorkflowCompleted },
			want:   types.StageEnd,
		},
		{
			name: "pending review re-displays the review stage",
			mutate: func(s *types.State) {
				s.PendingReview = &types.PendingReview{Type: types.ReviewTables, Items: []string{"sales.orders"}}
				s.CurrentStep = types.StepCompleted(types.StageTableHumanReview)
			},
			want: types.StageTableHumanReview,
		},
		{
			name:   "crash mid-stage re-runs that stage",
			mutate: func(s *types.State) { s.CurrentStep = types.StepProcessing(types.StageQueryPlanner) },
			want:   types.StageQueryPlanner,
		},
		{
			name:   "permanently failed stage gets one more chance",
			mutate: func(s *types.State) { s.CurrentStep = types.StepFailed(types.StageSchemaBuilder) },
			want:   types.StageSchemaBuilder,
		},
		{
			name: "routable marker defers to the router",
			mutate: func(s *types.State) {
				s.CurrentStep = types.StepCompleted(types.StageDatabaseHumanReview)
				s.HumanApprovals[types.ReviewDatabases] = true
			},
			want: types.StageTableIdentifier,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := types.NewState("q", types.ModeInteractive)
			tt.mutate(s)
			assert.Equal(t, tt.want, ResumeStage(s))
		})
	}
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/types"
)

// Checkpoint is a persisted suspension point awaiting human feedback. The
// state snapshot and the pending review it contains are written together,
// so a crash between suspend and persist can never leave a half-state.
type Checkpoint struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	State     *types.State `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// CheckpointStore is the persistence interface for checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	LoadBySession(ctx context.Context, sessionID string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// FeedbackOutcome reports what applying a feedback payload did to the
// state. Invalid suggestions are carried here so the caller can surface
// them; they are never silently dropped.
type FeedbackOutcome struct {
	// Applied is false when the payload was a duplicate (no pending
	// review to consume), which makes re-delivery a no-op.
	Applied bool `json:"applied"`

	// AutoApproved is set when a modify produced no net change and was
	// promoted to an approval to avoid an infinite review loop.
	AutoApproved bool `json:"auto_approved"`

	// Modification is the normalized change classification.
	Modification types.ModificationType `json:"modification,omitempty"`

	// UpdatedItems is the selection after the feedback was applied.
	UpdatedItems []string `json:"updated_items,omitempty"`

	// InvalidSuggestions lists suggested items not found in the
	// knowledge base.
	InvalidSuggestions []string `json:"invalid_suggestions,omitempty"`

	Summary string `json:"summary,omitempty"`
}

// CheckpointManager implements the human-in-the-loop suspend/resume
// protocol: it persists checkpoints when a review suspends the engine,
// normalizes external feedback into state mutations, and computes the
// stage a resumed workflow re-enters at.
type CheckpointManager struct {
	store     CheckpointStore
	retriever kb.Retriever
	logger    *zap.Logger
}

// NewCheckpointManager creates a checkpoint manager. The retriever is
// used to validate suggested items; when nil, suggestions are accepted
// unvalidated.
func NewCheckpointManager(store CheckpointStore, retriever kb.Retriever, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:     store,
		retriever: retriever,
		logger:    logger.With(zap.String("component", "checkpoint_manager")),
	}
}

// Suspend persists the suspended state as a checkpoint and returns it.
// The state must carry a pending review.
func (m *CheckpointManager) Suspend(ctx context.Context, sessionID string, state *types.State) (*Checkpoint, error) {
	if state.PendingReview == nil {
		return nil, types.NewError(types.ErrNoPendingReview, "suspend requires a pending review")
	}
	cp := &Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return nil, types.NewError(types.ErrCheckpointSave, "persist checkpoint").WithCause(err)
	}
	m.logger.Info("workflow suspended at review checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("session_id", sessionID),
		zap.String("review_type", string(state.PendingReview.Type)),
		zap.Int("items", len(state.PendingReview.Items)),
	)
	return cp, nil
}

// Load fetches a checkpoint by ID.
func (m *CheckpointManager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointLoad, "load checkpoint "+id).WithCause(err)
	}
	return cp, nil
}

// Discard removes a consumed checkpoint. Missing checkpoints are not an
// error; feedback application is idempotent end to end.
func (m *CheckpointManager) Discard(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete checkpoint", zap.String("checkpoint_id", id), zap.Error(err))
	}
}

// ApplyFeedback normalizes a feedback payload into state mutations.
//
// The pending review is consumed atomically with the mutations it
// triggers, so delivering the same payload twice is a no-op the second
// time (Applied=false). A malformed payload fails closed: an error is
// returned and the state is untouched.
func (m *CheckpointManager) ApplyFeedback(ctx context.Context, state *types.State, payload types.FeedbackPayload) (*FeedbackOutcome, error) {
	if state.PendingReview == nil {
		return &FeedbackOutcome{Applied: false, Summary: "no pending review, feedback ignored"}, nil
	}
	review := state.PendingReview

	switch payload.Action {
	case types.ActionApprove:
		return m.applyApprove(state, review), nil
	case types.ActionReject:
		return m.applyReject(state, review), nil
	case types.ActionModify:
		return m.applyModify(ctx, state, review, payload)
	default:
		return nil, types.NewError(types.ErrInvalidFeedback,
			fmt.Sprintf("unknown feedback action: %q", payload.Action))
	}
}

func (m *CheckpointManager) applyApprove(state *types.State, review *types.PendingReview) *FeedbackOutcome {
	state.HumanApprovals[review.Type] = true
	state.PendingReview = nil
	state.HumanFeedback = ""
	state.FeedbackProcessed = false
	state.LastModificationType = types.ModificationApprove
	state.CurrentStep = types.StepCompleted(reviewStageFor(review.Type))
	m.logger.Info("review approved", zap.String("review_type", string(review.Type)))
	return &FeedbackOutcome{
		Applied:      true,
		Modification: types.ModificationApprove,
		UpdatedItems: append([]string(nil), review.Items...),
		Summary:      fmt.Sprintf("%s selection approved", review.Type),
	}
}

func (m *CheckpointManager) applyReject(state *types.State, review *types.PendingReview) *FeedbackOutcome {
	state.HumanApprovals[review.Type] = false
	state.PendingReview = nil
	state.HumanFeedback = ""
	state.FeedbackProcessed = false
	state.LastModificationType = types.ModificationReject
	state.CurrentStep = types.StepCompleted(reviewStageFor(review.Type))
	m.logger.Info("review rejected, selection will be re-identified",
		zap.String("review_type", string(review.Type)))
	return &FeedbackOutcome{
		Applied:      true,
		Modification: types.ModificationReject,
		Summary:      fmt.Sprintf("%s selection rejected, re-identifying", review.Type),
	}
}

func (m *CheckpointManager) applyModify(ctx context.Context, state *types.State, review *types.PendingReview, payload types.FeedbackPayload) (*FeedbackOutcome, error) {
	current := selectionFor(state, review.Type)
	original := append([]string(nil), current...)

	// ApprovedItems, when present, is the kept subset of the displayed
	// list; anything outside the current selection is ignored there.
	kept := current
	if payload.ApprovedItems != nil {
		kept = intersect(payload.ApprovedItems, current)
	}

	valid, invalid := m.validateSuggestions(ctx, state, review.Type, payload.SuggestedItems)

	updated := append([]string(nil), kept...)
	added := 0
	for _, item := range valid {
		if !contains(updated, item) {
			updated = append(updated, item)
			added++
		}
	}
	removed := len(original) - len(intersect(original, updated))

	outcome := &FeedbackOutcome{
		Applied:            true,
		UpdatedItems:       updated,
		InvalidSuggestions: invalid,
	}

	if added == 0 && removed == 0 {
		// No net change: promote to approval so the review cannot loop.
		state.HumanApprovals[review.Type] = true
		state.PendingReview = nil
		state.HumanFeedback = ""
		state.FeedbackProcessed = false
		state.LastModificationType = types.ModificationApprove
		state.CurrentStep = types.StepCompleted(reviewStageFor(review.Type))
		outcome.AutoApproved = true
		outcome.Modification = types.ModificationApprove
		outcome.Summary = appendInvalidNote(
			fmt.Sprintf("no net change to %s selection, auto-approved", review.Type), invalid)
		m.logger.Info("modify produced no net change, auto-approving",
			zap.String("review_type", string(review.Type)))
		return outcome, nil
	}

	switch {
	case added > 0 && removed > 0:
		outcome.Modification = types.ModificationReplace
	case added > 0:
		outcome.Modification = types.ModificationAdd
	default:
		outcome.Modification = types.ModificationRemove
	}

	setSelection(state, review.Type, updated)
	state.HumanApprovals[review.Type] = false
	state.PendingReview = nil
	state.HumanFeedback = ""
	state.FeedbackProcessed = true
	state.LastModificationType = outcome.Modification
	state.CurrentStep = types.StepCompleted(reviewStageFor(review.Type))

	outcome.Summary = appendInvalidNote(
		fmt.Sprintf("%s selection updated (%d added, %d removed), awaiting another review round",
			review.Type, added, removed), invalid)
	m.logger.Info("review selection modified",
		zap.String("review_type", string(review.Type)),
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Strings("invalid_suggestions", invalid),
	)
	return outcome, nil
}

// validateSuggestions splits suggested items into knowledge-base-backed
// additions and invalid ones. Table suggestions without a database prefix
// are resolved against the currently selected databases.
func (m *CheckpointManager) validateSuggestions(ctx context.Context, state *types.State, t types.ReviewType, suggestions []string) (valid, invalid []string) {
	if len(suggestions) == 0 {
		return nil, nil
	}
	if m.retriever == nil {
		m.logger.Warn("no retriever configured, accepting suggestions unvalidated")
		return append([]string(nil), suggestions...), nil
	}
	for _, item := range suggestions {
		normalized, ok := m.validateItem(ctx, state, t, item)
		if ok {
			valid = append(valid, normalized)
		} else {
			invalid = append(invalid, item)
		}
	}
	return valid, invalid
}

func (m *CheckpointManager) validateItem(ctx context.Context, state *types.State, t types.ReviewType, item string) (string, bool) {
	switch t {
	case types.ReviewDatabases:
		ok, err := m.retriever.DatabaseExists(ctx, item)
		if err != nil {
			m.logger.Warn("database validation failed", zap.String("item", item), zap.Error(err))
			return "", false
		}
		return item, ok
	case types.ReviewTables:
		if db, table, found := strings.Cut(item, "."); found {
			ok, err := m.retriever.TableExists(ctx, db, table)
			if err != nil || !ok {
				return "", false
			}
			return item, true
		}
		// Bare table name: qualify it with the first selected database
		// that contains it.
		for _, db := range state.RelevantDatabases {
			ok, err := m.retriever.TableExists(ctx, db, item)
			if err == nil && ok {
				return db + "." + item, true
			}
		}
		return "", false
	}
	return "", false
}

// ResumeStage computes where a checkpointed workflow re-enters, purely
// from persisted state flags, never from an in-memory call stack.
func ResumeStage(s *types.State) types.StageID {
	if s.Terminal() {
		return types.StageEnd
	}
	// Still suspended with no feedback applied: re-enter the review stage
	// so the pending list is re-displayed.
	if s.PendingReview != nil {
		return reviewStageFor(s.PendingReview.Type)
	}
	// A crash mid-stage resumes by re-running that stage; a permanently
	// failed stage gets re-entered the same way so an operator-driven
	// resume can try it once more.
	step := s.CurrentStep
	if rest, ok := strings.CutPrefix(step, "processing_"); ok {
		if id := types.StageID(rest); id.Valid() && id != types.StageEnd {
			return id
		}
	}
	if rest, found := strings.CutSuffix(step, "_failed"); found {
		if id := types.StageID(rest); id.Valid() && id != types.StageEnd {
			return id
		}
	}
	// Otherwise the state sits on a routable marker (typically a
	// review_completed step written by freshly applied feedback) and the
	// router's decision table is the single source of truth.
	return Route(s).Next
}

func reviewStageFor(t types.ReviewType) types.StageID {
	if t == types.ReviewTables {
		return types.StageTableHumanReview
	}
	return types.StageDatabaseHumanReview
}

func selectionFor(s *types.State, t types.ReviewType) []string {
	if t == types.ReviewTables {
		return s.RelevantTables
	}
	return s.RelevantDatabases
}

func setSelection(s *types.State, t types.ReviewType, items []string) {
	if t == types.ReviewTables {
		s.RelevantTables = items
		return
	}
	s.RelevantDatabases = items
}

func appendInvalidNote(summary string, invalid []string) string {
	if len(invalid) == 0 {
		return summary
	}
	quoted := make([]string, len(invalid))
	for i, item := range invalid {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return summary + " (note: " + strings.Join(quoted, ", ") + " not found in knowledge base)"
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

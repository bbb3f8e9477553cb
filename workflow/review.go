package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
)

// HumanReviewStage is the checkpoint stage for one review type. When it
// runs with an unapproved selection it emits a pending review, which the
// engine turns into a suspension; feedback normalization itself happens
// outside the stage, in the CheckpointManager.
type HumanReviewStage struct {
	id         types.StageID
	reviewType types.ReviewType
	logger     *zap.Logger
}

// NewHumanReviewStage creates the review stage for a review type.
func NewHumanReviewStage(t types.ReviewType, logger *zap.Logger) *HumanReviewStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HumanReviewStage{
		id:         reviewStageFor(t),
		reviewType: t,
		logger:     logger.With(zap.String("component", "human_review"), zap.String("review_type", string(t))),
	}
}

func (h *HumanReviewStage) ID() types.StageID { return h.id }

func (h *HumanReviewStage) Process(ctx context.Context, state *types.State) StageResult {
	items := selectionFor(state, h.reviewType)

	// Nothing to review: approve and move on instead of blocking the
	// pipeline on an empty list.
	if len(items) == 0 {
		h.logger.Warn("no items to review, proceeding")
		approvals := cloneApprovals(state.HumanApprovals)
		approvals[h.reviewType] = true
		return Succeed(fmt.Sprintf("no %s to review, proceeding", h.reviewType), &types.StateDelta{
			HumanApprovals: approvals,
			HumanFeedback:  types.Str("no_items"),
		})
	}

	if state.Approved(h.reviewType) {
		return Succeed(fmt.Sprintf("%s already approved", h.reviewType), nil)
	}

	approvals := cloneApprovals(state.HumanApprovals)
	approvals[h.reviewType] = false
	h.logger.Info("awaiting human approval",
		zap.Int("items", len(items)),
	)
	return Succeed(fmt.Sprintf("awaiting human approval for %s", h.reviewType), &types.StateDelta{
		PendingReview: &types.PendingReview{
			Type:  h.reviewType,
			Items: append([]string(nil), items...),
		},
		HumanApprovals: approvals,
		HumanFeedback:  types.Str(""),
	})
}

func cloneApprovals(in map[types.ReviewType]bool) map[types.ReviewType]bool {
	out := make(map[types.ReviewType]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Stage = (*HumanReviewStage)(nil)

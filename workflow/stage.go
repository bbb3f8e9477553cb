package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
)

// StageResult is the outcome of one stage execution. On success Updates
// carries the field changes to merge into the state; on failure only
// Message is meaningful and the state is left untouched.
type StageResult struct {
	Success bool
	Message string
	Updates *types.StateDelta
}

// Succeed builds a successful result with the given updates.
func Succeed(message string, updates *types.StateDelta) StageResult {
	return StageResult{Success: true, Message: message, Updates: updates}
}

// Fail builds a failed result. No updates are ever attached to a failure.
func Fail(message string) StageResult {
	return StageResult{Success: false, Message: message}
}

// Stage is the uniform capability interface every processing step
// implements. A stage reads the state it is given and returns updates; it
// must never mutate the state directly, which is what makes retrying it
// safe.
type Stage interface {
	// ID returns the stage's identity in the pipeline graph.
	ID() types.StageID

	// Process runs the stage against the current state.
	Process(ctx context.Context, state *types.State) StageResult
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	id types.StageID
	fn func(ctx context.Context, state *types.State) StageResult
}

// NewStageFunc creates a function-backed stage.
func NewStageFunc(id types.StageID, fn func(ctx context.Context, state *types.State) StageResult) *StageFunc {
	return &StageFunc{id: id, fn: fn}
}

func (s *StageFunc) ID() types.StageID { return s.id }

func (s *StageFunc) Process(ctx context.Context, state *types.State) StageResult {
	return s.fn(ctx, state)
}

// StageSet is the static lookup table of stage handlers. Registration of
// an unknown ID fails at construction, so routing targets are checked
// once instead of at every hop.
type StageSet struct {
	stages map[types.StageID]Stage
}

// NewStageSet builds the lookup table, rejecting unknown or duplicate IDs.
func NewStageSet(stages ...Stage) (*StageSet, error) {
	set := &StageSet{stages: make(map[types.StageID]Stage, len(stages))}
	for _, st := range stages {
		id := st.ID()
		if !id.Valid() || id == types.StageEnd {
			return nil, types.NewError(types.ErrStageNotFound, fmt.Sprintf("unknown stage id: %s", id))
		}
		if _, dup := set.stages[id]; dup {
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("duplicate stage id: %s", id))
		}
		set.stages[id] = st
	}
	return set, nil
}

// Get returns the handler for id.
func (s *StageSet) Get(id types.StageID) (Stage, bool) {
	st, ok := s.stages[id]
	return st, ok
}

// Has reports whether id has a registered handler.
func (s *StageSet) Has(id types.StageID) bool {
	_, ok := s.stages[id]
	return ok
}

// runStage executes a stage, converting any panic into a failure result
// so a misbehaving stage cannot crash the engine.
func runStage(ctx context.Context, st Stage, state *types.State, logger *zap.Logger) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage panicked",
				zap.String("stage", string(st.ID())),
				zap.Any("panic", r),
			)
			result = Fail(fmt.Sprintf("stage %s panicked: %v", st.ID(), r))
		}
	}()
	return st.Process(ctx, state)
}

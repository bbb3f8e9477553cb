package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/internal/metrics"
	"github.com/BaSui01/queryflow/types"
)

// Status is the engine's execution state machine:
// Initialized -> Running -> {Suspended | Running} -> {Completed | Failed | Cancelled}.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusSuspended   Status = "suspended"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// DefaultStepCap bounds the stage->router loop. The routing graph is
// cyclic on purpose (retry-to-self and validation-restart edges); the cap
// turns a routing bug into a distinct terminal instead of an infinite loop.
const DefaultStepCap = 20

// EventType identifies a streamed engine event.
type EventType string

const (
	// EventStateUpdate is emitted after every stage execution.
	EventStateUpdate EventType = "state_update"
	// EventHITLRequest is emitted when the engine suspends at a review
	// checkpoint; Checkpoint is set.
	EventHITLRequest EventType = "hitl_request"
	// EventFinal is the terminal event carrying the final state and status.
	EventFinal EventType = "final_result"
	// EventCancelled is emitted once when cancellation is observed.
	EventCancelled EventType = "cancelled"
)

// Event is one message on a streaming execution's channel. State is
// always a clone, so consumers can hold it across further stage runs.
type Event struct {
	Type       EventType
	State      *types.State
	Status     Status
	Checkpoint *Checkpoint
	Message    string
}

// Result is the outcome of a (synchronous or drained streaming) run.
type Result struct {
	State      *types.State
	Status     Status
	Checkpoint *Checkpoint
}

// EngineConfig wires the engine's collaborators. Stages, Retry and
// Checkpoints are required; the rest are optional.
type EngineConfig struct {
	Stages      *StageSet
	Retry       *RetryController
	Checkpoints *CheckpointManager
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	StepCap     int
	// WorkflowRetries and StepRetries seed the budgets of states created
	// through NewState; zero keeps the package defaults.
	WorkflowRetries int
	StepRetries     int
}

// Engine drives the stage->router loop over one workflow state. It is
// stateless across executions and safe to share between concurrent
// sessions; all mutable execution state lives in the per-session
// types.State.
type Engine struct {
	stages          *StageSet
	retry           *RetryController
	checkpoints     *CheckpointManager
	logger          *zap.Logger
	metrics         *metrics.Collector
	tracer          trace.Tracer
	stepCap         int
	workflowRetries int
	stepRetries     int
}

// NewEngine creates an engine from its collaborators.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Stages == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "engine requires a stage set")
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryController(cfg.Logger)
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = NewCheckpointManager(NewInMemoryCheckpointStore(), nil, cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stepCap := cfg.StepCap
	if stepCap <= 0 {
		stepCap = DefaultStepCap
	}
	return &Engine{
		stages:          cfg.Stages,
		retry:           cfg.Retry,
		checkpoints:     cfg.Checkpoints,
		logger:          logger.With(zap.String("component", "engine")),
		metrics:         cfg.Metrics,
		tracer:          otel.Tracer("queryflow/workflow"),
		stepCap:         stepCap,
		workflowRetries: cfg.WorkflowRetries,
		stepRetries:     cfg.StepRetries,
	}, nil
}

// NewState creates a fresh workflow state seeded with this engine's
// configured retry budgets.
func (e *Engine) NewState(query string, mode types.InteractionMode) *types.State {
	return types.NewStateWithBudgets(query, mode, e.workflowRetries, e.stepRetries)
}

// Checkpoints exposes the engine's checkpoint manager, shared with the
// session layer so feedback application and execution agree on a store.
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// Run drives the workflow to a terminal state (or a HITL suspension) and
// returns the final result. This is the blocking mode used by the REST
// surface; in interactive mode the returned result may be Suspended with
// a checkpoint to feed back into Resume.
func (e *Engine) Run(ctx context.Context, sessionID string, state *types.State) (*Result, error) {
	return e.loop(ctx, sessionID, state, nil)
}

// Stream executes the workflow, emitting an event after every stage run.
// The yield after each stage is the engine's only suspension point, which
// is also where cancellation is observed: once ctx is done, no further
// state mutation happens and a single cancelled event is emitted
// best-effort. The channel is closed when the execution stops for any
// reason.
func (e *Engine) Stream(ctx context.Context, sessionID string, state *types.State) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		emit := func(ev Event) bool {
			if ev.Type == EventCancelled {
				// Best effort with a grace period: an attached consumer
				// gets the notice, a departed one does not block shutdown.
				select {
				case events <- ev:
				case <-time.After(time.Second):
				}
				return true
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if _, err := e.loop(ctx, sessionID, state, emit); err != nil {
			e.logger.Error("workflow stream failed", zap.Error(err))
		}
	}()
	return events
}

// Resume re-enters a checkpointed workflow. The start stage is recomputed
// purely from the persisted state, never from an in-memory continuation.
func (e *Engine) Resume(ctx context.Context, sessionID string, state *types.State) <-chan Event {
	start := ResumeStage(state)
	state.IsResuming = true
	state.ResumeStartStage = start
	e.logger.Info("resuming workflow",
		zap.String("session_id", sessionID),
		zap.String("resume_stage", string(start)),
	)
	return e.Stream(ctx, sessionID, state)
}

// loop is the shared traversal. emit is nil in synchronous mode.
func (e *Engine) loop(ctx context.Context, sessionID string, state *types.State, emit func(Event) bool) (*Result, error) {
	started := time.Now()
	mode := string(state.InteractionMode)

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("workflow.mode", mode),
		))
	defer span.End()

	finish := func(status Status, cp *Checkpoint) (*Result, error) {
		span.SetAttributes(attribute.String("workflow.status", string(status)))
		if status == StatusFailed {
			span.SetStatus(codes.Error, state.CurrentStep)
		}
		e.metrics.RecordWorkflow(mode, string(status), time.Since(started))
		e.logger.Info("workflow finished",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.String("current_step", state.CurrentStep),
			zap.Duration("elapsed", time.Since(started)),
		)
		return &Result{State: state, Status: status, Checkpoint: cp}, nil
	}

	steps := 0
	for {
		// Yield boundary: the only place cancellation is observed. A
		// stage already in flight runs to completion first; once the
		// signal is seen the state is never mutated again.
		if ctx.Err() != nil {
			e.emitCancelled(emit)
			span.SetAttributes(attribute.String("workflow.status", string(StatusCancelled)))
			e.metrics.RecordWorkflow(mode, string(StatusCancelled), time.Since(started))
			e.logger.Info("workflow cancelled", zap.String("session_id", sessionID))
			return &Result{State: state, Status: StatusCancelled}, nil
		}

		decision := Route(state)
		if state.IsResuming {
			state.IsResuming = false
			state.ResumeStartStage = ""
		}
		if decision.ClearFeedbackProcessed {
			state.FeedbackProcessed = false
		}
		if decision.Step != "" {
			state.CurrentStep = decision.Step
		}

		if decision.Next == types.StageEnd {
			status := StatusCompleted
			switch decision.Terminal {
			case TerminalExhausted:
				// Best-effort landing: keep the last query, attach the
				// outstanding feedback, and complete.
				e.retry.FinalizeExhausted(state)
			case TerminalFailed:
				status = StatusFailed
				if state.UserMessage == "" {
					state.UserMessage = "The query could not be processed. Please try rephrasing your question."
				}
			}
			if !e.emitFinal(emit, state, status) {
				return e.cancelledMidEmit(span, mode, started, sessionID, state, emit)
			}
			return finish(status, nil)
		}

		steps++
		if steps > e.stepCap {
			state.CurrentStep = types.StepLimitExceeded
			state.UserMessage = fmt.Sprintf("Workflow exceeded the step limit (%d). This indicates a routing problem, not a problem with your query.", e.stepCap)
			e.logger.Error("step limit exceeded",
				zap.String("session_id", sessionID),
				zap.Int("step_cap", e.stepCap),
			)
			if !e.emitFinal(emit, state, StatusFailed) {
				return e.cancelledMidEmit(span, mode, started, sessionID, state, emit)
			}
			return finish(StatusFailed, nil)
		}

		stage, ok := e.stages.Get(decision.Next)
		if !ok {
			state.CurrentStep = types.StepWorkflowFailed
			err := types.NewError(types.ErrStageNotFound, fmt.Sprintf("no handler for stage %s", decision.Next))
			span.SetStatus(codes.Error, err.Error())
			e.emitFinal(emit, state, StatusFailed)
			e.metrics.RecordWorkflow(mode, string(StatusFailed), time.Since(started))
			return &Result{State: state, Status: StatusFailed}, err
		}

		e.runOne(ctx, stage, state)

		if !e.emitUpdate(emit, state) {
			return e.cancelledMidEmit(span, mode, started, sessionID, state, emit)
		}

		// A review stage that produced a pending review suspends the
		// execution: persist the checkpoint and hand control back.
		if state.PendingReview != nil {
			cp, err := e.checkpoints.Suspend(ctx, sessionID, state)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				state.CurrentStep = types.StepWorkflowFailed
				e.emitFinal(emit, state, StatusFailed)
				e.metrics.RecordWorkflow(mode, string(StatusFailed), time.Since(started))
				return &Result{State: state, Status: StatusFailed}, err
			}
			e.metrics.RecordCheckpoint(string(state.PendingReview.Type))
			if emit != nil {
				emit(Event{Type: EventHITLRequest, State: state.Clone(), Status: StatusSuspended, Checkpoint: cp})
			}
			return finish(StatusSuspended, cp)
		}
	}
}

// runOne executes a single stage and folds its result into the state.
func (e *Engine) runOne(ctx context.Context, stage Stage, state *types.State) {
	id := stage.ID()
	state.CurrentStep = types.StepProcessing(id)

	ctx, span := e.tracer.Start(ctx, "workflow.stage",
		trace.WithAttributes(attribute.String("stage.id", string(id))))
	defer span.End()

	stageStarted := time.Now()
	result := runStage(ctx, stage, state, e.logger)

	if result.Success {
		result.Updates.Apply(state)
		state.CurrentStep = types.StepCompleted(id)
		state.LastErrorType = ""
		e.metrics.RecordStageExecution(string(id), "success", time.Since(stageStarted))
		e.logger.Debug("stage completed",
			zap.String("stage", string(id)),
			zap.String("message", result.Message),
		)

		// The validator consumes one unit of the workflow-level budget on
		// every rejection; the router decides the restart point from the
		// reason code afterwards.
		if id == types.StageQueryValidator && !state.IsQueryValid {
			reason := types.ReasonUnknown
			if state.ValidationFeedback != nil && state.ValidationFeedback.ReasonCode != "" {
				reason = state.ValidationFeedback.ReasonCode
			}
			e.metrics.RecordValidationRejection(string(reason))
			e.retry.OnValidationRejected(state)
		}
		return
	}

	span.SetStatus(codes.Error, result.Message)
	e.metrics.RecordStageExecution(string(id), "failure", time.Since(stageStarted))
	if retried := e.retry.OnStageFailure(state, id, result.Message); retried {
		e.metrics.RecordStageRetry(string(id))
	}
}

func (e *Engine) emitUpdate(emit func(Event) bool, state *types.State) bool {
	if emit == nil {
		return true
	}
	return emit(Event{Type: EventStateUpdate, State: state.Clone(), Status: StatusRunning})
}

func (e *Engine) emitFinal(emit func(Event) bool, state *types.State, status Status) bool {
	if emit == nil {
		return true
	}
	return emit(Event{Type: EventFinal, State: state.Clone(), Status: status})
}

// emitCancelled sends the cancellation notice best-effort: the consumer
// may already be gone, so the send gives up after a grace period.
func (e *Engine) emitCancelled(emit func(Event) bool) {
	if emit == nil {
		return
	}
	emit(Event{Type: EventCancelled, Status: StatusCancelled, Message: "workflow cancelled"})
}

func (e *Engine) cancelledMidEmit(span trace.Span, mode string, started time.Time, sessionID string, state *types.State, emit func(Event) bool) (*Result, error) {
	e.emitCancelled(emit)
	span.SetAttributes(attribute.String("workflow.status", string(StatusCancelled)))
	e.metrics.RecordWorkflow(mode, string(StatusCancelled), time.Since(started))
	e.logger.Info("workflow cancelled", zap.String("session_id", sessionID))
	return &Result{State: state, Status: StatusCancelled}, nil
}

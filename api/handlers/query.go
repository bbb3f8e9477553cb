package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/api"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// QueryHandler serves POST /query: a blocking, ask-mode run of the full
// pipeline. Interactive mode is websocket-only; the REST surface never
// exposes review checkpoints.
type QueryHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// NewQueryHandler creates the blocking query handler.
func NewQueryHandler(engine *workflow.Engine, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		engine: engine,
		logger: logger.With(zap.String("handler", "query")),
	}
}

// HandleQuery runs the workflow to completion and returns the summary.
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req api.QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query must not be empty", h.logger)
		return
	}
	if req.Mode != "" && req.Mode != string(types.ModeAsk) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"only ask mode is supported on this endpoint; use the websocket endpoint for interactive sessions", h.logger)
		return
	}

	sessionID := uuid.New().String()
	state := h.engine.NewState(req.Query, types.ModeAsk)

	started := time.Now()
	result, err := h.engine.Run(r.Context(), sessionID, state)
	if err != nil {
		if apiErr, ok := err.(*types.Error); ok {
			WriteError(w, apiErr, h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
		return
	}

	h.logger.Info("query completed",
		zap.String("session_id", sessionID),
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", time.Since(started)),
	)
	WriteSuccess(w, api.Summarize(result.State, result.Status, time.Since(started)))
}

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/queryflow/api"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// WSHandler serves GET /ws/query: a streaming query session. The query
// and mode arrive as URL parameters; the connection then carries
// state_update / hitl_request / final_result messages outbound and
// hitl_feedback / cancel messages inbound.
type WSHandler struct {
	sessions      *workflow.SessionManager
	allowedOrigin string
	logger        *zap.Logger
}

// NewWSHandler creates the websocket session handler. allowedOrigin "*"
// disables origin checking.
func NewWSHandler(sessions *workflow.SessionManager, allowedOrigin string, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		logger:        logger.With(zap.String("handler", "ws_query")),
	}
}

// HandleSession upgrades the connection and drives one query session.
func (h *WSHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query parameter is required", h.logger)
		return
	}
	mode := types.InteractionMode(r.URL.Query().Get("mode"))
	switch mode {
	case "", types.ModeAsk, types.ModeInteractive:
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "mode must be ask or interactive", h.logger)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.allowedOrigin == "*" {
		opts.InsecureSkipVerify = true
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()
	sess, events, err := h.sessions.Start(ctx, query, mode)
	if err != nil {
		h.writeError(ctx, conn, err)
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}
	defer h.sessions.Remove(sess.ID)

	h.logger.Info("websocket session opened",
		zap.String("session_id", sess.ID),
		zap.String("mode", string(mode)),
	)

	if err := h.run(ctx, conn, sess, events); err != nil && ctx.Err() == nil {
		h.logger.Warn("websocket session ended with error",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

// run pumps engine events to the client and client messages back into
// the session until the workflow reaches a terminal status.
func (h *WSHandler) run(ctx context.Context, conn *websocket.Conn, sess *workflow.Session, events <-chan workflow.Event) error {
	started := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan api.Message)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(inbound)
		for {
			var msg api.Message
			if err := wsjson.Read(gctx, conn, &msg); err != nil {
				// Normal closure or context cancellation ends the pump.
				return nil
			}
			select {
			case inbound <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		for {
			// A nil events channel means nothing is running: the session
			// is suspended at a checkpoint waiting for feedback.
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					if sess.Status() != workflow.StatusSuspended {
						return nil
					}
					continue
				}
				if err := h.forward(gctx, conn, sess, ev, started); err != nil {
					return err
				}
			case msg, ok := <-inbound:
				if !ok {
					return nil
				}
				next, err := h.handleClientMessage(gctx, conn, sess, msg)
				if err != nil {
					return err
				}
				if next != nil {
					events = next
				}
				if msg.Type == api.MessageCancel && sess.Status() != workflow.StatusRunning {
					// Nothing is running to observe the cancel; report it
					// directly and end the session.
					return wsjson.Write(gctx, conn, api.Message{
						Type:      api.MessageCancelled,
						SessionID: sess.ID,
						Message:   "session cancelled",
					})
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// forward translates one engine event into a protocol message.
func (h *WSHandler) forward(ctx context.Context, conn *websocket.Conn, sess *workflow.Session, ev workflow.Event, started time.Time) error {
	switch ev.Type {
	case workflow.EventStateUpdate:
		return wsjson.Write(ctx, conn, api.Message{
			Type:      api.MessageStateUpdate,
			SessionID: sess.ID,
			State:     api.NewStateView(ev.State),
		})
	case workflow.EventHITLRequest:
		return wsjson.Write(ctx, conn, api.Message{
			Type:       api.MessageHITLRequest,
			SessionID:  sess.ID,
			Checkpoint: api.NewCheckpointView(ev.Checkpoint),
		})
	case workflow.EventFinal:
		return wsjson.Write(ctx, conn, api.Message{
			Type:      api.MessageFinalResult,
			SessionID: sess.ID,
			Result:    api.Summarize(ev.State, ev.Status, time.Since(started)),
		})
	case workflow.EventCancelled:
		return wsjson.Write(ctx, conn, api.Message{
			Type:      api.MessageCancelled,
			SessionID: sess.ID,
			Message:   ev.Message,
		})
	}
	return nil
}

// handleClientMessage processes an inbound message and returns the new
// event stream when feedback resumed the workflow.
func (h *WSHandler) handleClientMessage(ctx context.Context, conn *websocket.Conn, sess *workflow.Session, msg api.Message) (<-chan workflow.Event, error) {
	switch msg.Type {
	case api.MessageCancel:
		if err := h.sessions.Cancel(sess.ID); err != nil {
			return nil, h.writeError(ctx, conn, err)
		}
		return nil, nil

	case api.MessageHITLFeedback:
		if msg.Payload == nil {
			return nil, h.writeError(ctx, conn,
				types.NewError(types.ErrInvalidFeedback, "hitl_feedback requires a payload"))
		}
		next, outcome, err := h.sessions.Feedback(ctx, sess.ID, *msg.Payload)
		if err != nil {
			return nil, h.writeError(ctx, conn, err)
		}
		ack := api.Message{
			Type:         api.MessageHITLFeedbackAck,
			SessionID:    sess.ID,
			CheckpointID: msg.Payload.CheckpointID,
		}
		if outcome != nil && outcome.Summary != "" {
			ack.Message = outcome.Summary
		}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return nil, err
		}
		return next, nil

	default:
		return nil, h.writeError(ctx, conn,
			types.NewError(types.ErrInvalidRequest, "unsupported message type: "+string(msg.Type)))
	}
}

// writeError reports a recoverable protocol error to the client without
// tearing the connection down.
func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, err error) error {
	h.logger.Debug("session protocol error", zap.Error(err))
	return wsjson.Write(ctx, conn, api.Message{
		Type:    api.MessageError,
		Message: err.Error(),
	})
}

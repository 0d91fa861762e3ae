// Package handler implements the HTTP surface: a single devagent endpoint
// multiplexed by task_kind/action query parameters. Handlers bind the
// query, delegate to the engine, and push errors onto the gin context for
// middleware.ErrorHandler to render.
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arkreview/arkreview/consts"
	"github.com/arkreview/arkreview/internal/engine"
	"github.com/arkreview/arkreview/internal/status"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// DevagentHandler serves GET /api/v1/devagent.
type DevagentHandler struct {
	engine *engine.Engine
}

// NewDevagentHandler builds a handler over e.
func NewDevagentHandler(e *engine.Engine) *DevagentHandler {
	return &DevagentHandler{engine: e}
}

type devagentQuery struct {
	TaskKind int    `form:"task_kind"`
	Action   int    `form:"action"`
	Payload  string `form:"payload"`
	TaskID   string `form:"task_id"`
}

// Handle dispatches on task_kind/action.
func (h *DevagentHandler) Handle(c *gin.Context) {
	var q devagentQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(apperrors.ErrInvalidInput("invalid query parameters"))
		return
	}

	if q.TaskKind != consts.TaskKindCodeReview {
		_ = c.Error(apperrors.ErrInvalidInput("unknown task_kind"))
		return
	}

	switch q.Action {
	case consts.ActionRun:
		h.run(c, q.Payload)
	case consts.ActionGet:
		h.get(c, q.Payload)
	case consts.ActionRevoke:
		h.revoke(c, q.TaskID)
	default:
		_ = c.Error(apperrors.ErrInvalidInput("unknown action"))
	}
}

// run implements task_kind=0, action=1: payload is a semicolon-separated
// list of PR URLs, returns {task_id}.
func (h *DevagentHandler) run(c *gin.Context, payload string) {
	if payload == "" {
		_ = c.Error(apperrors.ErrInvalidInput("missing payload"))
		return
	}

	urls := splitPayload(payload)
	if len(urls) == 0 {
		_ = c.Error(apperrors.ErrInvalidInput("payload contains no PR URLs"))
		return
	}

	jobID, err := h.engine.Submit(urls)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": jobID})
}

// get implements task_kind=0, action=0: payload is a task_id, returns
// {task_id, task_status, task_result}.
func (h *DevagentHandler) get(c *gin.Context, taskID string) {
	if taskID == "" {
		_ = c.Error(apperrors.ErrInvalidInput("missing payload"))
		return
	}

	result, err := h.engine.Status.Status(taskID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	taskResult := wireResult(result)
	if result.State == status.StatePending {
		// Alternate aggregation mode: while wrapup is still pending,
		// recompute from whichever review shards already finished so
		// pollers see partial results instead of null.
		if partial, perr := h.engine.Status.PartialResult(taskID); perr == nil && partial != nil {
			if encoded, merr := json.Marshal(partial); merr == nil {
				taskResult = json.RawMessage(encoded)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":     taskID,
		"task_status": wireStatus(result.State),
		"task_result": taskResult,
	})
}

// revoke implements task_kind=0, action=2: task_id in query, returns an
// empty body.
func (h *DevagentHandler) revoke(c *gin.Context, taskID string) {
	if taskID == "" {
		_ = c.Error(apperrors.ErrInvalidInput("missing task_id"))
		return
	}
	if err := h.engine.Revoker.Revoke(taskID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusOK)
}

// splitPayload parses a ';'-separated PR URL list, dropping blanks from
// stray separators.
func splitPayload(payload string) []string {
	parts := strings.Split(payload, ";")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// wireStatus maps the aggregator's State to the wire codes.
func wireStatus(s status.State) int {
	switch s {
	case status.StateSuccessful:
		return consts.TaskStatusSuccess
	case status.StateFailed:
		return consts.TaskStatusFail
	case status.StateRevoked:
		return consts.TaskStatusRevoked
	default:
		return consts.TaskStatusPending
	}
}

// wireResult returns the opaque result payload: nil while pending, the
// error string verbatim on failure, or the JSON-encoded ProcessedReview
// embedded as an object on success.
func wireResult(r *status.Result) any {
	if r.Result == "" {
		return nil
	}
	if r.State == status.StateSuccessful {
		return json.RawMessage(r.Result)
	}
	return r.Result
}

package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/gin-gonic/gin"
)

type drainPayload struct {
	Attempted  int  `json:"attempted"`
	Succeeded  int  `json:"succeeded"`
	Failed     int  `json:"failed"`
	Dropped    int  `json:"dropped"`
	Superseded int  `json:"superseded"`
	Halted     bool `json:"halted"`
}

type reconcilePayload struct {
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Unchanged      int `json:"unchanged"`
	KeptLocal      int `json:"kept_local"`
	Deleted        int `json:"deleted"`
	PreservedStale int `json:"preserved_stale"`
}

type runPayload struct {
	Mode              string           `json:"mode"`
	Skipped           bool             `json:"skipped"`
	Drain             drainPayload     `json:"drain"`
	Reconcile         reconcilePayload `json:"reconcile"`
	StartedAtSeconds  int64            `json:"started_at_s,omitempty"`
	FinishedAtSeconds int64            `json:"finished_at_s,omitempty"`
}

type statusPayload struct {
	Running           bool        `json:"running"`
	Online            bool        `json:"online"`
	PendingOperations int64       `json:"pending_operations"`
	LastRun           *runPayload `json:"last_run,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
}

func (h *httpHandler) handleSyncRun(run func(context.Context) (coordinator.RunResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := run(c.Request.Context())
		if err != nil {
			h.respondError(c, err)
			return
		}
		status := http.StatusOK
		if result.Skipped {
			status = http.StatusAccepted
		}
		c.JSON(status, describeRun(result))
	}
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := statusPayload{
		Running:           status.Running,
		Online:            status.Online,
		PendingOperations: status.PendingOperations,
		LastError:         status.LastError,
	}
	if status.LastRun != nil {
		last := describeRun(*status.LastRun)
		response.LastRun = &last
	}
	c.JSON(http.StatusOK, response)
}

func describeRun(result coordinator.RunResult) runPayload {
	payload := runPayload{
		Mode:    string(result.Mode),
		Skipped: result.Skipped,
		Drain: drainPayload{
			Attempted:  result.Drain.Attempted,
			Succeeded:  result.Drain.Succeeded,
			Failed:     result.Drain.Failed,
			Dropped:    result.Drain.Dropped,
			Superseded: result.Drain.Superseded,
			Halted:     result.Drain.Halted,
		},
		Reconcile: reconcilePayload{
			Created:        result.Reconcile.Created,
			Updated:        result.Reconcile.Updated,
			Unchanged:      result.Reconcile.Unchanged,
			KeptLocal:      result.Reconcile.KeptLocal,
			Deleted:        result.Reconcile.Deleted,
			PreservedStale: result.Reconcile.PreservedStale,
		},
	}
	if !result.StartedAt.IsZero() {
		payload.StartedAtSeconds = result.StartedAt.Unix()
	}
	if !result.FinishedAt.IsZero() {
		payload.FinishedAtSeconds = result.FinishedAt.Unix()
	}
	return payload
}

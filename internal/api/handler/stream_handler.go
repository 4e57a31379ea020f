package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// StreamJob handles GET /api/v1/jobs/:job_id/stream. It upgrades to a
// websocket and writes one text frame per snapshot, closing after the
// terminal one.
func (h *JobHandler) StreamJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	// Subscribing before the upgrade lets unknown jobs get a plain 404.
	snapshots, err := h.status.Subscribe(ctx, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	// The reader only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	for snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			h.logger.Error("Failed to encode snapshot", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return
		}
		if err := wsutil.WriteServerText(conn, data); err != nil {
			h.logger.Debug("Stream client gone", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return
		}
	}

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
}

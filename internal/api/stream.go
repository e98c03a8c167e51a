package api

import (
	"context"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/PinQiH/speech-to-text/internal/events"
	"github.com/PinQiH/speech-to-text/internal/observe"
)

const writeTimeout = 5 * time.Second

// streamEvents upgrades to a websocket and pushes every status event of the
// task as a JSON text frame. ?since=<seq> replays retained events first. The
// stream ends when the client goes away.
func (h *handler) streamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.svc.Get(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	var since int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "since must be a non-negative integer")
			return
		}
		since = n
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.events.Subscribe(id)
	defer cancel()

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		observe.Logger(c.Request.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Reads are not expected; CloseRead cancels ctx once the peer closes.
	ctx := conn.CloseRead(c.Request.Context())
	log := observe.TaskLogger(ctx, id)

	last := since
	send := func(e events.Event) bool {
		if e.Seq <= last {
			return true
		}
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, e); err != nil {
			log.Debug("event stream write failed", "err", err)
			return false
		}
		last = e.Seq
		return true
	}

	if since > 0 {
		for _, e := range h.events.Since(since, id) {
			if !send(e) {
				return
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-ch:
			if !ok || !send(e) {
				return
			}
		}
	}
}

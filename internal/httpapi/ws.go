package httpapi

import (
	"context"
	"time"

	"call-processing/internal/notify"
	"call-processing/pkg/logger"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

type wsClientMessage struct {
	Action string `json:"action"`
	CallID string `json:"call_id,omitempty"`
}

type wsServerMessage struct {
	Type      string                   `json:"type"`
	CallID    string                   `json:"call_id,omitempty"`
	State     string                   `json:"state,omitempty"`
	Timestamp string                   `json:"timestamp,omitempty"`
	AIResult  *notify.AIResultSnapshot `json:"ai_result,omitempty"`
}

// Dashboard upgrades the connection and streams call updates.
//
// A fresh connection receives every update. The first {action:"subscribe",
// call_id} narrows delivery to explicitly subscribed calls; later subscribe
// messages add more calls. {action:"ping"} answers {type:"pong"}.
func (h Handlers) Dashboard(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// The dashboard is served from arbitrary origins in local setups;
		// tighten at the proxy when exposed.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	handle := h.Notifier.Register()
	h.Notifier.Subscribe(handle, "")
	defer h.Notifier.Unsubscribe(handle)

	// Single writer: both pushed events and protocol replies flow through
	// one goroutine so frames are never interleaved.
	replies := make(chan wsServerMessage, 8)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		for {
			select {
			case ev, ok := <-handle.Events():
				if !ok {
					// Dropped as a slow subscriber.
					_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
					return
				}
				if err := wsjson.Write(ctx, conn, callUpdateMessage(ev)); err != nil {
					return
				}
			case msg := <-replies:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	narrowed := false
	for {
		var m wsClientMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			cancel()
			<-writeDone
			return
		}

		switch m.Action {
		case "subscribe":
			if m.CallID == "" {
				continue
			}
			if !narrowed {
				h.Notifier.UnsubscribeGlobal(handle)
				narrowed = true
			}
			h.Notifier.Subscribe(handle, m.CallID)
			select {
			case replies <- wsServerMessage{Type: "subscribed", CallID: m.CallID}:
			case <-ctx.Done():
			}
		case "ping":
			select {
			case replies <- wsServerMessage{Type: "pong"}:
			case <-ctx.Done():
			}
		default:
			// Unknown actions are ignored, matching a closed option set.
		}
	}
}

func callUpdateMessage(ev notify.Event) wsServerMessage {
	return wsServerMessage{
		Type:      "call_update",
		CallID:    ev.CallID,
		State:     string(ev.State),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		AIResult:  ev.AIResult,
	}
}

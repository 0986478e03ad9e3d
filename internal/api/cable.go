package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

const (
	cableWriteTimeout = 5 * time.Second
	cablePingInterval = 30 * time.Second
)

// handleCable streams progress events of one session. Admission is decided
// before the upgrade, so a rejected subscription is a plain HTTP error and
// never sees a frame.
func (h *handler) handleCable(w http.ResponseWriter, r *http.Request) {
	kind := storage.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "unknown stream kind %q", kind)
		return
	}
	caller := identity.FromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")

	sub, err := h.deps.Gate.Subscribe(r.Context(), caller, kind, sessionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer h.deps.Gate.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.deps.AllowOrigins,
	})
	if err != nil {
		h.logger.Warn("cable: upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	h.logger.Info("cable: subscribed", "stream", sub.Stream(), "user_id", caller.UserID)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	status, reason := h.pump(ctx, conn, sub)
	_ = conn.Close(status, reason)
	h.logger.Info("cable: closed", "stream", sub.Stream(), "reason", reason)
}

func (h *handler) pump(ctx context.Context, conn *websocket.Conn, sub *progress.Subscription) (websocket.StatusCode, string) {
	ping := time.NewTicker(cablePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusGoingAway, "client gone"
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, cableWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return websocket.StatusGoingAway, "ping failed"
			}
		case ev, ok := <-sub.C():
			if !ok {
				return websocket.StatusNormalClosure, "stream closed"
			}
			wctx, cancel := context.WithTimeout(ctx, cableWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return websocket.StatusGoingAway, "write failed"
			}
			if ev.Type == progress.TypeComplete || ev.Type == progress.TypeError {
				return websocket.StatusNormalClosure, "done"
			}
		}
	}
}

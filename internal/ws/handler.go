package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/hub"
	"github.com/nostrsnake/nostrsnake/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	pingTimeout  = 10 * time.Second
)

// Handler upgrades /ws?roomId=...&playerId=... connections and bridges
// them to the hub: frames from the socket become hub messages, frames
// from the hub drain through the outbox channel.
func Handler(h *hub.Hub, pingInterval time.Duration, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("roomId")
		playerID := r.URL.Query().Get("playerId")
		if roomID == "" || playerID == "" {
			http.Error(w, "missing roomId or playerId", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			log.Warn("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan []byte, 32)
		select {
		case h.Inbox() <- hub.Join{RoomID: roomID, PlayerID: playerID, Outbox: out}:
		case <-h.Done():
			conn.CloseNow()
			return
		}
		defer func() {
			select {
			case h.Inbox() <- hub.Leave{RoomID: roomID, PlayerID: playerID, Outbox: out}:
			case <-h.Done():
			}
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer: drains the hub outbox until the hub closes it.
		go func() {
			for frame := range out {
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					cancel()
					return
				}
			}
			// Hub dropped us (slow consumer or shutdown); close the socket
			// so the reader unblocks.
			conn.CloseNow()
			cancel()
		}()

		// Liveness: probe on a fixed interval; a socket that cannot answer
		// before the next probe is forcibly terminated, which funnels into
		// the normal close path above.
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
					err := conn.Ping(pctx)
					pcancel()
					if err != nil {
						log.Warn("ping failed, terminating socket",
							zap.String("room", roomID), zap.String("player", playerID))
						conn.CloseNow()
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.String("player", playerID), zap.Error(err))
				}
				return
			}

			var msg types.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			switch msg.Type {
			case types.TypePlayerReady:
				h.Inbox() <- hub.Ready{RoomID: roomID, PlayerID: playerID}
			case types.TypeGameState:
				// Relayed verbatim; the hub excludes the sender.
				h.Inbox() <- hub.Relay{RoomID: roomID, PlayerID: playerID, Data: data}
			}
		}
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/hub"
	"github.com/nostrsnake/nostrsnake/internal/ws"
)

func SetupRoutes(h *hub.Hub, pingInterval time.Duration, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", Health)
	r.Get("/version", Version)
	r.Get("/ws", ws.Handler(h, pingInterval, log))
	return r
}

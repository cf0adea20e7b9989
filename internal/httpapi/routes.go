package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/hub"
	"github.com/DoyleJ11/tabletop-sessions/internal/ws"
)

type Deps struct {
	Hub    *hub.Hub
	Auth   ws.Authenticator
	WS     ws.HandlerOptions
	Logger *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger.Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz(d.Hub))
	r.Get("/ws", ws.Handler(d.Hub, d.Auth, d.WS, log))
	r.With(middleware.Timeout(5*time.Second)).Get("/sessions/{code}", LookupSession(d.Hub))
	return r
}

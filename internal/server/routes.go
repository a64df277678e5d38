package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/ws", s.WebSocketHandler)
	r.Get("/test", s.TestPageHandler)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.RegisterHandler)
		api.Post("/auth/login", s.LoginHandler)

		api.Group(func(protected chi.Router) {
			protected.Use(s.requireToken)
			protected.Get("/messages", s.MessagesHandler)
			protected.Get("/online", s.OnlineHandler)
		})
	})

	return r
}

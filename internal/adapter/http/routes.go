package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/convoke-io/convoke/internal/adapter/otel"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/middleware"
)

// NewRouter builds the admin API router.
func NewRouter(h *Handlers, hub *ws.Hub) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware("convoke"))
	r.Use(middleware.RequestID)
	r.Use(Logger)

	r.Get("/healthz", h.Health)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Get("/agents/{id}/breaker", h.GetAgentBreaker)
		r.Post("/agents/{id}/heartbeat", h.HeartbeatAgent)

		// Tasks
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/tasks/{id}/retry", h.RetryTask)

		// Voting sessions
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.OpenSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/result", h.GetSessionResult)
		r.Get("/sessions/{id}/votes", h.GetVotes)
		r.Post("/sessions/{id}/votes", h.CastVote)
		r.Post("/sessions/{id}/delegate", h.Delegate)
		r.Post("/sessions/{id}/close", h.CloseSession)
		r.Get("/sessions/{id}/integrity", h.VerifyIntegrity)
	})

	return r
}

package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)
		r.Post("/identities", h.Register)

		// Capability routes. The relay verifies the capability itself.
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			r.Post("/spaces/{space_id}/sync/push", h.SyncPush)
			r.Get("/spaces/{space_id}/sync/pull", h.SyncPull)
		})

		// Session routes
		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware(h.svc.Authenticate))
			r.Get("/identities/{handle}", h.Resolve)
			r.Get("/events", h.Events)

			r.Get("/spaces", h.Spaces)
			r.Post("/spaces", h.CreateSpace)
			r.Route("/spaces/{space_id}", func(r chi.Router) {
				r.Post("/capability", h.Capability)
				r.Post("/invitations", h.Invite)
				r.Get("/members", h.Members)
				r.Delete("/members/{did}", h.RemoveMember)
				r.Post("/epochs", h.PublishEpoch)
				r.Get("/wraps", h.KeyWraps)
				r.Post("/wraps", h.PublishWraps)
				r.Get("/wraps/missing", h.MissingWraps)
				r.Get("/files", h.Files)
				r.Post("/files", h.PutFile)
			})

			r.Get("/invitations", h.Invitations)
			r.Post("/invitations/{id}/accept", h.AcceptInvitation)
			r.Post("/invitations/{id}/decline", h.DeclineInvitation)
		})
	})

	return r
}

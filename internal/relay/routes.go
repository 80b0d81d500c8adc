package relay

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/slack/events", h.HandleEvents)
	r.Post("/slack/interactivity", h.HandleInteractivity)
}

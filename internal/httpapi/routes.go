package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/auth"
	"github.com/conclave-gg/conclave/internal/hub"
	"github.com/conclave-gg/conclave/internal/ws"
)

// SetupRoutes builds the router with the hub, store and verifier injected.
func SetupRoutes(h *hub.Hub, st Store, verifier *auth.Verifier, log *zap.Logger) http.Handler {
	api := &api{hub: h, store: st, log: log.Named("httpapi")}

	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, st, verifier, log))

	r.Route("/api/v1", func(r chi.Router) {
		// Monitoring, no credential required.
		r.Get("/stats", api.GetStats)

		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)

			r.Post("/games", api.CreateGame)
			r.Get("/games", api.ListGames)
			r.Get("/games/{gameID}", api.GetGame)
			r.Get("/games/{gameID}/state", api.GetGameState)
			r.Get("/games/{gameID}/life-changes", api.GetLifeChanges)
			r.Post("/games/{gameID}/join", api.JoinGame)
			r.Post("/games/{gameID}/leave", api.LeaveGame)
			r.Put("/games/{gameID}/update-life", api.UpdateLife)
			r.Put("/games/{gameID}/commander-damage", api.UpdateCommanderDamage)
			r.Post("/games/{gameID}/players/{playerID}/partner", api.TogglePartner)
			r.Put("/games/{gameID}/end", api.EndGame)

			r.Get("/users/me/games", api.GetUserGames)
			r.Get("/users/me/available-games", api.GetAvailableGames)
			r.Get("/users/me/history", api.GetHistory)
		})
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

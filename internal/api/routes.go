package api

import (
	"net/http"

	"github.com/And03-11/animal-rescue-dashboard/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries what SetupRoutes needs besides the handlers.
type RouterConfig struct {
	AllowedOrigins []string
	Auth           *auth.Manager
	Health         *HealthChecker
	// Hub serves /ws/updates when set.
	Hub *EventHub
}

// SetupRoutes configures all API routes. Everything under /api/v1 requires a
// bearer token except the shared-view read and the webhook, which checks its
// own secret.
func SetupRoutes(h *Handlers, rc RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rc.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.WebhookSecretHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if rc.Health != nil {
		r.Get("/health", rc.Health.HandleHealth)
		r.Get("/health/live", rc.Health.HandleLiveness)
		r.Get("/health/ready", rc.Health.HandleReadiness)
	}

	if rc.Hub != nil {
		r.With(tokenFromQuery, rc.Auth.RequireAuth).Get("/ws/updates", rc.Hub.HandleSSE)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/analytics/share/{token}", h.GetSharedView)
		r.With(rc.Auth.RequireWebhookSecret).Post("/webhooks/new-donation-notification", h.NewDonationWebhook)

		r.Group(func(r chi.Router) {
			r.Use(rc.Auth.RequireAuth)

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/metrics", h.GetDashboardMetrics)
				r.Get("/top-donors", h.GetTopDonors)
				r.Get("/sources", h.GetSourceBreakdown)
			})

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", h.ListCampaigns)
				r.Get("/sources", h.ListSources)
				r.Get("/source/{name}/stats-fast", h.GetSourceStats)
				r.Get("/source/{name}/donations-fast", h.GetSourceDonations)
				r.Get("/{id}", h.GetCampaign)
				r.Get("/{id}/stats-fast", h.GetCampaignStats)
				r.Get("/{id}/donations-fast", h.GetCampaignDonations)
			})

			r.Get("/form-titles", h.ListFormTitles)
			r.Post("/form-titles/donations-fast", h.PostFormTitleDonations)

			r.Get("/search/{email}", h.SearchContact)
			r.Post("/analytics/share-link", h.CreateShareLink)

			r.Route("/send-email/sender", func(r chi.Router) {
				r.Get("/identities", h.ListSenderIdentities)
				r.Get("/campaigns", h.ListSenderCampaigns)
				r.Post("/campaigns", h.CreateSenderCampaign)
				r.Get("/campaigns/{id}", h.GetSenderCampaign)
				r.Post("/campaigns/{id}/launch", h.LaunchSenderCampaign)
			})

			r.With(auth.RequireAdmin).Post("/sync/run", h.RunSync)
		})
	})

	return r
}

// tokenFromQuery lets EventSource clients, which cannot set headers, pass
// the bearer token as ?access_token=.
func tokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("access_token"); tok != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}

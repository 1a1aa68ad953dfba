/**
 * @description
 * HTTP router setup for the reunion registration service using go-chi/chi.
 * Public routes cover pricing lookups and fee quotes, member routes require
 * a bearer JWT, the gateway callback stays open (bKash redirects the payer's
 * browser there), and operator routes sit behind the internal API key.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers all reunion routes.
func NewRouter(h *Handler, jwtSecret string, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Reunion service is healthy"))
	})

	// Public routes: pricing is browsable before login, and quotes carry no
	// member identity.
	r.Get("/events/{eventID}/pricing", h.handleGetPricing)
	r.Post("/events/{eventID}/quote", h.handleQuote)

	// The gateway redirects the payer's browser here after checkout; bKash
	// sends no member credentials, so the route cannot be authenticated.
	r.Get("/payments/bkash/callback", h.handleGatewayCallback)

	r.Group(func(r chi.Router) {
		r.Use(MemberAuthMiddleware(jwtSecret))
		r.Post("/events/{eventID}/payments", h.handleInitiatePayment)
		r.Post("/payments/{paymentID}/execute", h.handleExecutePayment)
		r.Post("/events/{eventID}/registrations/manual", h.handleManualRegistration)
		r.Get("/events/{eventID}/registrations/me", h.handleGetMyRegistration)
	})

	r.Route("/internal/reunion", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Put("/events/{eventID}/pricing", h.handleUpsertPricing)
		r.Get("/events/{eventID}/registrations", h.handleListRegistrations)
		r.Post("/registrations/{id}/verify", h.handleVerifyRegistration)
		r.Post("/payments/expire", h.handleExpireSweep)
	})

	return r
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/policyledger-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware реестра полисов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/policies", h.SavePolicy)
			r.Get("/policies/{policyID}", h.GetPolicy)
			r.Get("/policies/{policyID}/balance", h.GetBalance)
			r.Get("/policies/{policyID}/losses/{lossID}", h.GetComputedLoss)

			r.Post("/losses/compute", h.ComputeLoss)
			r.Post("/losses/computed", h.LossComputed)
			r.Post("/losses/decision", h.PostLossDecision)

			r.Post("/payments", h.PostPaymentMade)

			r.Get("/issuers/{issuerID}/obligations", h.GetIssuerObligations)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/activators", h.AddActivator)
				r.Delete("/activators/{account}", h.RemoveActivator)
				r.Post("/issuers", h.RegisterIssuer)
				r.Post("/succession", h.SuspendMasterAdmin)
				r.Delete("/succession", h.CancelSuccession)
				r.Post("/succession/claim", h.ClaimMasterAdmin)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

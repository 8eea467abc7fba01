package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", handler.Subscribe)

	r.Route("/redemptions", func(r chi.Router) {
		r.Post("/verify", handler.VerifyRedemption)
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions/{sessionId}", handler.GetSession)
		r.Post("/sessions/{sessionId}/approve", handler.ApproveSession)
		r.Post("/sessions/{sessionId}/reject", handler.RejectSession)
		r.Post("/sessions/{sessionId}/consume", handler.ConsumeSession)
	})

	r.Route("/customers/{address}", func(r chi.Router) {
		r.Get("/sessions", handler.ListCustomerSessions)
		r.Get("/balance", handler.GetBalance)
	})

	r.Post("/reconcile", handler.Reconcile)

	return &Server{Router: r}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shaun/octophus/internal/metrics"
)

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func NewRouter(h *Handler, authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(cors)
	r.Use(metrics.Middleware)
	if authMiddleware != nil {
		r.Use(authMiddleware)
	}
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Post("/repo", h.Repo)
		r.Get("/status", h.Status)
		r.Post("/commit", h.Commit)

		r.Get("/tree", h.Tree)
		r.Post("/tree/open", h.OpenDirectory)
		r.Post("/tree/reload", h.ReloadDirectory)
		r.Post("/tree/files", h.CreateFile)
		r.Post("/files/open", h.OpenFile)

		r.Route("/buffers/{id}", func(r chi.Router) {
			r.Get("/", h.GetBuffer)
			r.Put("/", h.EditBuffer)
			r.Delete("/", h.CloseBuffer)
			r.Post("/save", h.SaveBuffer)
		})
	})
	return r
}

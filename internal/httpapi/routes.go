package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DoyleJ11/towerduo-backend/internal/directory"
	"github.com/DoyleJ11/towerduo-backend/internal/ledger"
	"github.com/DoyleJ11/towerduo-backend/internal/ws"
)

type Deps struct {
	Directory *directory.Directory
	WS        ws.Options
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// Ledger mounts /ledger/* when set.
	Ledger *ledger.Service
}

func SetupRoutes(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/lobbies", ListLobbies(deps.Directory))
	r.Get("/ws", ws.Handler(deps.Directory, deps.WS))

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Ledger != nil {
		ledger.Mount(r, deps.Ledger)
	}
	return r
}

package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

type openResponse struct {
	ChannelID string `json:"channel_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Mount registers the ledger endpoints under /ledger.
func Mount(r chi.Router, svc *Service) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/healthz", health(svc))
		r.Post("/channels", openChannel(svc))
	})
}

func health(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func openChannel(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p types.ChannelProposal
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed proposal"})
			return
		}

		id, err := svc.OpenChannel(r.Context(), p)
		switch {
		case err == nil:
			writeJSON(w, http.StatusCreated, openResponse{ChannelID: id})
		case errors.Is(err, ErrInvalidProposal):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrBadSignature), errors.Is(err, ErrQuorum):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		case errors.Is(err, ErrReplay):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			svc.log.Error("open channel", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ledger unavailable"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DoyleJ11/towerduo-backend/internal/directory"
)

// ListLobbies reports how many participants wait per mode and how many
// sessions are live.
func ListLobbies(d *directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan directory.View, 1)
		if !d.Submit(directory.GetView{Reply: reply}) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		var v directory.View
		select {
		case v = <-reply:
		case <-time.After(2 * time.Second):
			http.Error(w, "directory busy", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

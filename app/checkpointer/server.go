package checkpointer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/checkpoint"
)

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	a.Server = &http.Server{
		// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
		Addr:              a.Config.ListenAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Router serves the operational endpoints.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")
	r.HandleFunc("/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/status/{pool}", a.handlePoolStatus).Methods("GET")
	r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")

	return r
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]checkpoint.Status, 0, len(a.Controllers))
	for _, pool := range a.Pools() {
		if s, ok := a.Status.Load(pool.Address.String()); ok {
			out = append(out, s)
		}
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *App) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := a.Status.Load(mux.Vars(r)["pool"])
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pool"})
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *App) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Debug("write response", zap.Error(err))
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"clusterd/cluster"
	"clusterd/logging"
	"clusterd/metrics"
)

// clusterState is the read side of *cluster.Coordinator served over
// HTTP.
type clusterState interface {
	Status() cluster.Status
	Identity() cluster.Identity
	IsMaster() bool
	MasterID() string
	ConfigMismatch() bool
	LastError() *cluster.ErrorRecord
	Stats() cluster.Stats
	ListNodes() []cluster.NodeInfo
}

type HealthResponse struct {
	Status         cluster.Status       `json:"status"`
	InstanceID     string               `json:"instance_id"`
	IsMaster       bool                 `json:"is_master"`
	Master         string               `json:"master,omitempty"`
	ConfigMismatch bool                 `json:"config_mismatch"`
	LastError      *cluster.ErrorRecord `json:"last_error,omitempty"`
	Stats          cluster.Stats        `json:"stats"`
}

func newHandler(state clusterState, reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:         state.Status(),
			InstanceID:     state.Identity().InstanceID,
			IsMaster:       state.IsMaster(),
			Master:         state.MasterID(),
			ConfigMismatch: state.ConfigMismatch(),
			LastError:      state.LastError(),
			Stats:          state.Stats(),
		}

		status := http.StatusOK
		if resp.Status != cluster.StatusOpen {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})

	mux.HandleFunc("GET /nodes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.ListNodes())
	})

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logging.WithComponent("http")
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func runHTTPServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) // graceful shutdown
	}()

	log := logging.WithComponent("http")
	log.Info().Str("addr", srv.Addr).Msg("Listening")
	return srv.ListenAndServe()
}

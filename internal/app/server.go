package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chain-insights/internal/scheduler"
)

type healthReporter interface {
	Health() scheduler.HealthState
	Phase() scheduler.Phase
}

type healthResponse struct {
	Phase scheduler.Phase `json:"phase"`
	scheduler.HealthState
}

func newStatusMux(monitor healthReporter, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		state := monitor.Health()
		code := http.StatusOK
		if !state.IsHealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(healthResponse{Phase: monitor.Phase(), HealthState: state}); err != nil {
			logger.Debug().Err(err).Msg("write healthz response")
		}
	})
	return mux
}

// newStatusServer serves /metrics and /healthz for the running monitor.
func newStatusServer(addr string, monitor healthReporter, logger zerolog.Logger) *http.Server {
	logger = logger.With().Str("component", "status_server").Logger()
	return &http.Server{
		Addr:              addr,
		Handler:           newStatusMux(monitor, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

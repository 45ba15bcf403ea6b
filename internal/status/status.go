// Package status serves a controller's state and counters over HTTP.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notnil/canctl"
)

const (
	// StatusEndpoint returns the status as JSON.
	StatusEndpoint = "/status"
	// MetricsEndpoint returns the counters in the Prometheus text format.
	MetricsEndpoint = "/metrics"
)

// Source reports the current status, e.g. *canctl.Session.
type Source interface {
	Status() canctl.Status
}

// HandleStatus writes the current status of src as JSON.
func HandleStatus(logger *zap.SugaredLogger, src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jb, err := json.Marshal(src.Status())
		if err != nil {
			logger.Errorw("marshal status", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err = w.Write(jb); err != nil {
			logger.Warnw("write status response", "error", err)
		}
	}
}

// NewRouter routes the status and metrics endpoints for src. Metrics are
// registered on a private registry.
func NewRouter(logger *zap.SugaredLogger, src Source) (*mux.Router, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	router := mux.NewRouter()
	router.HandleFunc(StatusEndpoint, HandleStatus(logger, src)).Methods(http.MethodGet)
	router.Handle(MetricsEndpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router, nil
}

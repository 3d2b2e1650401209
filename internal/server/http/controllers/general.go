package controllers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/runnel/pkg/runnel"
)

// GeneralController serves health and metrics.
type GeneralController struct {
	app      *runnel.App
	gatherer prometheus.Gatherer
}

func NewGeneralController(app *runnel.App, gatherer prometheus.Gatherer) *GeneralController {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &GeneralController{app: app, gatherer: gatherer}
}

// RegisterRoutes registers /v1/healthz and /metrics.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
}

// handleHealth returns 200 with {"status":"ok"} while the store is usable
// and 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.app.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

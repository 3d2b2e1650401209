package controllers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// ControllerRegistry owns every controller of the admin API.
type ControllerRegistry struct {
	general    *GeneralController
	streams    *StreamsController
	processors *ProcessorsController
}

func NewControllerRegistry(app *runnel.App, logger log.Logger, gatherer prometheus.Gatherer) *ControllerRegistry {
	return &ControllerRegistry{
		general:    NewGeneralController(app, gatherer),
		streams:    NewStreamsController(app, logger),
		processors: NewProcessorsController(app, logger),
	}
}

// Processors returns the controller that tracks live processors.
func (r *ControllerRegistry) Processors() *ProcessorsController { return r.processors }

// RegisterAllRoutes registers every controller's routes with mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.streams.RegisterRoutes(mux)
	r.processors.RegisterRoutes(mux)
}

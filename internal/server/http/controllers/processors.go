package controllers

import (
	"net/http"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/pkg/log"
	"github.com/rzbill/runnel/pkg/runnel"
)

// ProcessorsController reports processor status and clears quarantines.
// Processors registered with it answer with their live executor state;
// anything else is read from the store.
type ProcessorsController struct {
	app    *runnel.App
	logger log.Logger
	procs  *xsync.Map[string, *runnel.Processor]
}

func NewProcessorsController(app *runnel.App, logger log.Logger) *ProcessorsController {
	return &ProcessorsController{
		app:    app,
		logger: logger,
		procs:  xsync.NewMap[string, *runnel.Processor](),
	}
}

// Register makes p's live state visible.
func (c *ProcessorsController) Register(p *runnel.Processor) { c.procs.Store(p.Name(), p) }

func (c *ProcessorsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/status", c.handleStatus)
	mux.HandleFunc("/v1/processors", c.handleList)
	mux.HandleFunc("/v1/poison/clear", c.handlePoisonClear)
}

// handleStatus reports one processor with ?processor=name, or every
// registered stream and processor otherwise.
func (c *ProcessorsController) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("processor")
	if name == "" {
		db := c.app.Runtime().DB()
		streams, err := catalog.ListStreams(db)
		if err != nil {
			writeError(w, err)
			return
		}
		procs, err := catalog.ListProcessors(db)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"streams": streams, "processors": procs})
		return
	}
	var (
		st  runnel.Status
		err error
	)
	if p, ok := c.procs.Load(name); ok {
		st, err = p.Status(r.Context())
	} else {
		st, err = runnel.ReadStatus(r.Context(), c.app, name)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *ProcessorsController) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	procs, err := catalog.ListProcessors(c.app.Runtime().DB())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(procs))
	for _, p := range procs {
		_, local := c.procs.Load(p.Name)
		out = append(out, map[string]any{"name": p.Name, "stream": p.Stream, "policy": p.Policy, "local": local})
	}
	writeJSON(w, http.StatusOK, map[string]any{"processors": out})
}

func (c *ProcessorsController) handlePoisonClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req poisonClearReq
	if err := jsoncodec.Decode(r.Body, &req); err != nil || req.Processor == "" {
		badRequest(w, "processor and partition are required")
		return
	}
	var (
		n   int
		err error
	)
	if p, ok := c.procs.Load(req.Processor); ok {
		n, err = p.ClearPoison(r.Context(), req.Partition)
	} else {
		n, err = runnel.ClearPoison(r.Context(), c.app, req.Processor, req.Partition)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c.logger.Info("http.poison_cleared", log.Str("processor", req.Processor), log.Int("partition", req.Partition), log.Int("records", n))
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

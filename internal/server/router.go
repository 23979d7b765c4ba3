package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/reclaimr/internal/aggregate"
	"github.com/loykin/reclaimr/internal/negotiate"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/sampler"
	"github.com/loykin/reclaimr/internal/scorer"
	"github.com/loykin/reclaimr/internal/sweep"
)

// Governor is the governance surface the router exposes.
// An empty mode means the governor's configured mode.
type Governor interface {
	Groups(ctx context.Context) (map[string]aggregate.Group, error)
	Candidates(ctx context.Context, exclude ...string) ([]negotiate.Suggestion, error)
	System(ctx context.Context) (sampler.SystemMetrics, error)
	SystemHistory() []sampler.SystemMetrics
	Sweep(ctx context.Context, mode reclaim.Mode) (sweep.Report, error)
	CloseGroup(ctx context.Context, name string, mode reclaim.Mode) (reclaim.Report, error)
	ModelInfo() scorer.Info
	ReloadModel() (scorer.Info, error)
	RetrainModel(ctx context.Context) (scorer.Info, error)
}

// Router provides embeddable HTTP handlers for the governor.
// Endpoints:
//
//	GET  {basePath}/groups        query: order=priority|-priority|name|-name, search=...
//	GET  {basePath}/candidates    query: exclude=a,b (optional)
//	GET  {basePath}/system        query: history=1 (optional)
//	POST {basePath}/sweep         query: mode=dry-run|enforce (optional)
//	POST {basePath}/groups/close  query: name=...&mode=... (name required)
//	GET  {basePath}/model
//	POST {basePath}/model/reload
//	POST {basePath}/model/retrain
//	GET  /metrics                 when a metrics handler is configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	gov      Governor
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

type Option func(*Router)

// WithMetricsHandler mounts h at /metrics outside the base path.
func WithMetricsHandler(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(gov Governor, basePath string, opts ...Option) *Router {
	r := &Router{gov: gov, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/groups", r.handleGroups)
	group.GET("/candidates", r.handleCandidates)
	group.GET("/system", r.handleSystem)
	group.POST("/sweep", r.handleSweep)
	group.POST("/groups/close", r.handleClose)
	group.GET("/model", r.handleModel)
	group.POST("/model/reload", r.handleReload)
	group.POST("/model/retrain", r.handleRetrain)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// A non-nil tlsCfg serves HTTPS. Call Shutdown or Close on the returned server to stop it.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute, // retrain may run long
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type systemResp struct {
	Current sampler.SystemMetrics   `json:"current"`
	History []sampler.SystemMetrics `json:"history,omitempty"`
}

func (r *Router) handleGroups(c *gin.Context) {
	order, err := aggregate.ParseOrder(c.Query("order"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	groups, err := r.gov.Groups(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, aggregate.List(groups, order, c.Query("search")))
}

func (r *Router) handleCandidates(c *gin.Context) {
	out, err := r.gov.Candidates(c.Request.Context(), splitList(c.Query("exclude"))...)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if out == nil {
		out = []negotiate.Suggestion{}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSystem(c *gin.Context) {
	cur, err := r.gov.System(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	resp := systemResp{Current: cur}
	if truthy(c.Query("history")) {
		resp.History = r.gov.SystemHistory()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSweep(c *gin.Context) {
	mode, ok := queryMode(c)
	if !ok {
		return
	}
	rep, err := r.gov.Sweep(c.Request.Context(), mode)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleClose(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	mode, ok := queryMode(c)
	if !ok {
		return
	}
	rep, err := r.gov.CloseGroup(c.Request.Context(), name, mode)
	switch {
	case errors.Is(err, aggregate.ErrUnknownGroup):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleModel(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.gov.ModelInfo())
}

func (r *Router) handleReload(c *gin.Context) {
	info, err := r.gov.ReloadModel()
	if err != nil {
		r.log.Warn("model reload failed", "error", err)
		writeJSON(c, http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleRetrain(c *gin.Context) {
	info, err := r.gov.RetrainModel(c.Request.Context())
	if err != nil {
		r.log.Warn("model retrain failed", "error", err)
		writeJSON(c, http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

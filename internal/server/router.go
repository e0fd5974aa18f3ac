// Package server exposes read-only bot state over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/trackctl/internal/metrics"
	"github.com/loykin/trackctl/internal/state"
)

// Router provides embeddable HTTP handlers for inspecting the bot.
// Endpoints:
//
//	GET {basePath}/api/state         displayed state
//	GET {basePath}/api/tracks        catalog, query: q=... (substring filter)
//	GET {basePath}/api/server        latest resource sample and history
//	GET {basePath}/healthz
//	GET {basePath}/metrics           Prometheus exposition, when configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	basePath string
	state    StateSource
	tracks   Catalog
	sampler  SampleSource
	metrics  http.Handler
}

// StateSource yields the displayed state.
type StateSource interface {
	Snapshot() state.State
}

// Catalog lists available tracks.
type Catalog interface {
	Names() []string
	Suggest(partial string) []string
}

// SampleSource yields resource samples of the running server.
type SampleSource interface {
	Latest() (metrics.ServerSample, bool)
	History() []metrics.ServerSample
}

// Options configures a Router. Sampler and Metrics are optional.
type Options struct {
	BasePath string
	State    StateSource
	Tracks   Catalog
	Sampler  SampleSource
	Metrics  http.Handler
}

// NewRouter constructs a new Router.
func NewRouter(opts Options) *Router {
	return &Router{
		basePath: sanitizeBase(opts.BasePath),
		state:    opts.State,
		tracks:   opts.Tracks,
		sampler:  opts.Sampler,
		metrics:  opts.Metrics,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/api/state", r.handleState)
	group.GET("/api/tracks", r.handleTracks)
	group.GET("/api/server", r.handleServer)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an HTTP server for this router on addr. The caller
// starts it and shuts it down.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type stateResp struct {
	Active    bool         `json:"active"`
	Track     *string      `json:"track"`
	Link      *string      `json:"link"`
	Status    state.Status `json:"status,omitempty"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

type tracksResp struct {
	Tracks []string `json:"tracks"`
	Count  int      `json:"count"`
}

type serverResp struct {
	Latest  metrics.ServerSample   `json:"latest"`
	History []metrics.ServerSample `json:"history"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleState(c *gin.Context) {
	if r.state == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "state not available"})
		return
	}
	st := r.state.Snapshot()
	resp := stateResp{Active: st.Active(), Track: st.Track, Link: st.Link, Status: st.Status}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		resp.UpdatedAt = &t
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleTracks(c *gin.Context) {
	if r.tracks == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "catalog not available"})
		return
	}
	var names []string
	if q, ok := c.GetQuery("q"); ok {
		names = r.tracks.Suggest(q)
	} else {
		names = r.tracks.Names()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(c, http.StatusOK, tracksResp{Tracks: names, Count: len(names)})
}

func (r *Router) handleServer(c *gin.Context) {
	if r.sampler == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	latest, ok := r.sampler.Latest()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples recorded"})
		return
	}
	writeJSON(c, http.StatusOK, serverResp{Latest: latest, History: r.sampler.History()})
}

package status

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"apitap/internal/model"
)

// ModuleStatus is the last known outcome for one SQL module.
type ModuleStatus struct {
	Module string           `json:"module"`
	Stats  model.FetchStats `json:"stats"`
	Error  string           `json:"error,omitempty"`
}

// Tracker records the most recent Result per module for the status
// endpoint to read; the pipeline runner updates it after each RunModule
// call, and concurrent reads from the HTTP surface are safe.
type Tracker struct {
	mu      sync.RWMutex
	results map[string]ModuleStatus
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{results: make(map[string]ModuleStatus)}
}

// Record stores module's latest outcome.
func (t *Tracker) Record(module string, stats model.FetchStats, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ModuleStatus{Module: module, Stats: stats}
	if err != nil {
		s.Error = err.Error()
	}
	t.results[module] = s
}

// Snapshot returns a copy of all recorded module statuses.
func (t *Tracker) Snapshot() []ModuleStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ModuleStatus, 0, len(t.results))
	for _, s := range t.results {
		out = append(out, s)
	}
	return out
}

// Server is the optional read-only status HTTP surface (spec.md §0 ambient
// stack: carried even though the spec's scope is the core ETL engine, not
// an outer observability layer).
type Server struct {
	engine  *gin.Engine
	tracker *Tracker
}

// NewServer builds a Server reporting from tracker.
func NewServer(tracker *Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestInit(), ResponseInit())

	s := &Server{engine: r, tracker: tracker}

	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)

	return s
}

// Run starts the status server listening on addr; it blocks until the
// server stops or errors.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) healthz(c *gin.Context) {
	send := c.MustGet("send").(func(Response))
	send(Response{Code: http.StatusOK, Message: "ok"})
}

func (s *Server) status(c *gin.Context) {
	send := c.MustGet("send").(func(Response))
	send(Response{Code: http.StatusOK, Data: s.tracker.Snapshot()})
}

// Package health serves the pipeline's liveness/readiness/metrics HTTP
// surface: plain net/http, JSON responses in the teacher's
// writeJSON/writeError convention, trimmed to the two predicates and one
// counters dump this domain needs.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Predicate reports a named component's contribution to liveness or
// readiness. Readiness is advisory: the pipeline keeps running even when
// not ready (spec §4.6).
type Predicate func() (ok bool, detail string)

// Server serves /healthz, /readyz, and /metrics.
type Server struct {
	mu         sync.RWMutex
	liveness   []namedPredicate
	readiness  []namedPredicate
	counterFns []namedCounterFn

	instanceID string
	httpServer *http.Server
}

type namedPredicate struct {
	name string
	fn   Predicate
}

type namedCounterFn struct {
	name string
	fn   func() int64
}

// New constructs a Server; call RegisterLiveness/RegisterReadiness/
// RegisterCounter before Run.
func New() *Server {
	return &Server{}
}

// WithInstanceID sets the instance id reported in /healthz and /readyz
// responses, letting an operator tell apart concurrently-running instances.
func (s *Server) WithInstanceID(id string) *Server {
	s.instanceID = id
	return s
}

// RegisterLiveness adds a liveness predicate under name.
func (s *Server) RegisterLiveness(name string, fn Predicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveness = append(s.liveness, namedPredicate{name, fn})
}

// RegisterReadiness adds a readiness predicate under name.
func (s *Server) RegisterReadiness(name string, fn Predicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = append(s.readiness, namedPredicate{name, fn})
}

// RegisterCounter exposes an int64 counter under name on /metrics.
func (s *Server) RegisterCounter(name string, fn func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterFns = append(s.counterFns, namedCounterFn{name, fn})
}

type statusResponse struct {
	OK         bool              `json:"ok"`
	InstanceID string            `json:"instance_id,omitempty"`
	Checks     map[string]string `json:"checks"`
	Checked    time.Time         `json:"checked_at"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.serveChecks(w, s.liveness)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.serveChecks(w, s.readiness)
}

func (s *Server) serveChecks(w http.ResponseWriter, predicates []namedPredicate) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := statusResponse{OK: true, InstanceID: s.instanceID, Checks: make(map[string]string), Checked: time.Now()}
	for _, p := range predicates {
		ok, detail := p.fn()
		resp.Checks[p.name] = detail
		if !ok {
			resp.OK = false
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.counterFns))
	byName := make(map[string]func() int64, len(s.counterFns))
	for _, c := range s.counterFns {
		names = append(names, c.name)
		byName[c.name] = c.fn
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, name := range names {
		fmt.Fprintf(w, "%s %d\n", name, byName[name]())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Run starts the HTTP server on addr and blocks until stop is closed, then
// closes the server immediately (in-flight requests are not drained). It
// also returns early with the error if the listener fails.
func (s *Server) Run(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
		return s.httpServer.Close()
	case err := <-errCh:
		return err
	}
}

// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process serves HTTP. GET /readyz runs
// every registered [Checker] and answers 503 when any of them fails. Both
// reply with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz runs the checkers concurrently, each bounded by [checkTimeout]
// within the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() { results[i] = run(r.Context(), c) })
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		if results[i].Status != "ok" {
			rep.Status, code = "fail", http.StatusServiceUnavailable
		}
		rep.Checks[c.Name] = results[i]
	}
	respond(w, code, rep)
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "fail", err.Error()
	}
	return res
}

func respond(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

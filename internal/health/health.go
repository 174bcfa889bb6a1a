// Package health serves the liveness and readiness probes of the session
// engine.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// runs every registered [Checker] concurrently under a shared deadline and
// answers 503 when any dependency fails. Each check reports its outcome along
// with how long the probe took:
//
//	{"status":"fail","checks":{
//	  "store":   {"status":"ok","elapsed":"1.2ms"},
//	  "session": {"status":"fail: reconnect attempts exhausted","elapsed":"11µs"}}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// readyTimeout bounds the whole /readyz evaluation. A hung store ping must
// not hold the probe longer than an orchestrator's own timeout.
const readyTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can do its job and a descriptive error otherwise.
type Checker struct {
	// Name keys the check in the JSON report ("store", "session").
	Name string

	// Check probes the dependency. It must honor ctx cancellation.
	Check func(ctx context.Context) error
}

// checkResult is the per-check entry in the readiness report.
type checkResult struct {
	Status  string `json:"status"`
	Elapsed string `json:"elapsed"`
}

// report is the JSON body of both probe endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction; a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe: a process that got this far is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs all checks concurrently and reports 200 only when every one
// passes. Checks share a [readyTimeout] deadline derived from the request
// context; one slow dependency never serializes behind another.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	results := make([]checkResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{
				Status:  "ok",
				Elapsed: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				res.Status = "fail: " + err.Error()
			}
			results[i] = res
			return nil // a failed check must not cancel its siblings
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: make(map[string]checkResult, len(results))}
	status := http.StatusOK
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

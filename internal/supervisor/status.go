package supervisor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/warden/internal/observe"
	"github.com/psantana5/warden/internal/report"
	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/models"
	"github.com/psantana5/warden/pkg/store"
)

// StatusHandler serves the read-only status API.
type StatusHandler struct {
	sup    *Supervisor
	store  store.Store
	logger *logging.Logger
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Snapshot
	Worker        *observe.Sample      `json:"worker,omitempty"`
	RecentCrashes []report.CrashSample `json:"recent_crashes"`
}

func NewStatusHandler(sup *Supervisor) *StatusHandler {
	return &StatusHandler{sup: sup, store: sup.deps.Store, logger: sup.logger}
}

// RegisterRoutes registers the status routes.
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/metrics", h.sup.Metrics().Handler()).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/history", h.History).Methods("GET")
}

// Health reports 200 while the supervisor is live and the history store answers.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "healthy", "phase": string(h.sup.state.Phase())}
	code := http.StatusOK
	if err := h.store.HealthCheck(); err != nil {
		body["status"] = "degraded"
		body["history"] = err.Error()
	}
	if h.sup.state.Phase() == models.PhaseHalted {
		body["status"] = "halted"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, body)
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Snapshot:      h.sup.Snapshot(),
		RecentCrashes: h.sup.CrashLog().Recent(10),
	}
	if resp.PID > 0 {
		if sample, err := observe.SampleProcess(resp.PID); err == nil {
			resp.Worker = &sample
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// History returns this run's ledger events.
func (h *StatusHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.Events(r.Context(), h.sup.RunID())
	if err != nil {
		h.logger.Warn("history query failed", logging.Fields{"error": err.Error()})
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// NewStatusServer returns an http.Server for the status API on addr.
func NewStatusServer(addr string, sup *Supervisor) *http.Server {
	r := mux.NewRouter()
	NewStatusHandler(sup).RegisterRoutes(r)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("status response not written", logging.Fields{"error": err.Error()})
	}
}

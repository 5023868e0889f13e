package api

import (
	"net/http"
)

type reconcileResponse struct {
	Users      int   `json:"users"`
	Rows       int   `json:"rows"`
	Created    int   `json:"created"`
	Zeroed     int   `json:"zeroed"`
	DurationMS int64 `json:"duration_ms"`
}

// ReconcileHandler triggers the reconciliation job.
type ReconcileHandler struct {
	deps Dependencies
}

// NewReconcileHandler creates a new reconcile handler.
func NewReconcileHandler(deps Dependencies) *ReconcileHandler {
	return &ReconcileHandler{deps: deps}
}

// HandlePostReconcile handles POST /reconcile requests. The response is sent
// once the run completes.
func (h *ReconcileHandler) HandlePostReconcile(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_reconcile"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	rep, err := h.deps.Reconcile(r.Context())
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Users:      rep.Users,
		Rows:       rep.Rows,
		Created:    rep.Created,
		Zeroed:     rep.Zeroed,
		DurationMS: rep.Duration.Milliseconds(),
	})
}

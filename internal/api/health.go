package api

import (
	"context"
	"net/http"
	"time"
)

const (
	stateOK       = "OK"
	stateDegraded = "DEGRADED"
)

// Health reports the service and its backends. Always 200: a degraded
// backend shows up in the body, not the status code, so pollers can
// still read it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st := stateOK
	if err := h.store.HealthCheck(ctx); err != nil {
		st = stateDegraded
	}
	wh := stateOK
	if h.engine.Degraded() || !h.whisper.Ready() {
		wh = stateDegraded
	}
	lm := stateOK
	if err := h.llm.CheckModel(ctx); err != nil {
		lm = stateDegraded
	}

	overall := stateOK
	if st != stateOK || wh != stateOK || lm != stateOK {
		overall = stateDegraded
	}

	writeData(w, http.StatusOK, map[string]string{
		"status":  overall,
		"store":   st,
		"whisper": wh,
		"llm":     lm,
	})
}

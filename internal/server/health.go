package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/refineloop/internal/tracebus"
)

// Handlers groups the two endpoints this core owns.
type Handlers struct {
	bus     *tracebus.Bus
	devMode bool
	log     zerolog.Logger
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Healthz is a lightweight liveness check: no dependency probing, just
// "the process is up and answering".
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Time: time.Now()})
}

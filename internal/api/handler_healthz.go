package api

import (
	"log"
	"net/http"

	"github.com/dcmproxy/dcmproxy/internal/service"
)

type healthResponse struct {
	Status string `json:"status"`
	Device string `json:"device,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleHealthz returns a handler for GET /healthz.
// No authentication is required. It answers 503 while the spool root is
// unreachable.
func HandleHealthz(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cp == nil {
			WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}
		if err := cp.Store.Check(); err != nil {
			log.Printf("[api] healthz: spool check failed: %v", err)
			WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "spool unavailable"})
			return
		}
		WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Device: cp.Runtime.Device().Name})
	}
}

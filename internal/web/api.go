package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/septivank/electricity-meter-portal/internal/service"
	"go.uber.org/zap"
)

// DebugTokenHeader must carry the configured token for /debug_memory
const DebugTokenHeader = "X-Debug-Token"

type stopServerRequest struct {
	StopServer *bool `json:"stop_server"`
}

type stopServerResponse struct {
	StopServer bool   `json:"stop_server"`
	Mode       string `json:"mode"`
	Message    string `json:"message"`
}

func statusMessage(st service.Status) string {
	if st.StopServer {
		return "Maintenance mode enabled. Reading updates are paused."
	}
	return "Maintenance mode disabled. Reading updates are accepted."
}

func respondStatus(w http.ResponseWriter, st service.Status) {
	writeJSON(w, http.StatusOK, stopServerResponse{
		StopServer: st.StopServer,
		Mode:       st.Mode,
		Message:    statusMessage(st),
	})
}

// decodeStopServer reads an optional {"stop_server": bool} body. An empty
// body yields a nil value.
func decodeStopServer(r *http.Request) (*bool, error) {
	var req stopServerRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req.StopServer, nil
}

func (h *Handler) stopServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.portal.Status(r.Context()))
}

// stopServerToggle flips the flag, or sets it when the body names a value
func (h *Handler) stopServerToggle(w http.ResponseWriter, r *http.Request) {
	value, err := decodeStopServer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var st service.Status
	if value != nil {
		st = h.portal.SetMaintenance(r.Context(), *value)
	} else {
		st = h.portal.ToggleMaintenance(r.Context())
	}
	respondStatus(w, st)
}

func (h *Handler) stopServerSet(w http.ResponseWriter, r *http.Request) {
	value, err := decodeStopServer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if value == nil {
		writeError(w, http.StatusBadRequest, "stop_server (boolean) is required")
		return
	}
	respondStatus(w, h.portal.SetMaintenance(r.Context(), *value))
}

func (h *Handler) stopServerReset(w http.ResponseWriter, r *http.Request) {
	st := h.portal.ResetMaintenance(r.Context())
	writeJSON(w, http.StatusOK, stopServerResponse{
		StopServer: st.StopServer,
		Mode:       st.Mode,
		Message:    "Maintenance mode follows the schedule again.",
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// debugMemory dumps the live records; a wrong token looks like a missing route
func (h *Handler) debugMemory(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(DebugTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.debugToken)) != 1 {
		loggerFrom(r.Context(), h.logger).Warn("debug endpoint denied", zap.String("remote_addr", r.RemoteAddr))
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.portal.Snapshot())
}

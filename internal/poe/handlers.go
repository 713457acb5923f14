package poe

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an RFC 7807 problem detail response.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://exaviz.com/problems/" + problemSlug(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

// problemSlug turns a status code into a problem type path segment such as
// "too-many-requests".
func problemSlug(status int) string {
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-")
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/snapshot", Handler: m.handleSnapshot},
		{Method: "GET", Path: "/capabilities", Handler: m.handleCapabilities},
		{Method: "GET", Path: "/system", Handler: m.handleSystem},
		{Method: "GET", Path: "/ports/{set}/{port}", Handler: m.handlePort},
		{Method: "POST", Path: "/ports/{set}/{port}/{action}", Handler: m.handlePortAction},
	}
}

// CapabilitiesResponse is the response for GET /capabilities.
type CapabilitiesResponse struct {
	models.BoardCapabilities
	TotalPorts int `json:"total_poe_ports"`
}

// ActionResponse is the response for POST /ports/{set}/{port}/{action}.
type ActionResponse struct {
	Set    string `json:"set"`
	Port   int    `json:"port"`
	Action Action `json:"action"`
	Status string `json:"status"`
}

// handleSnapshot returns the most recent poll result.
func (m *Module) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.latestSnapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (m *Module) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	env, ok := m.environment(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, CapabilitiesResponse{
		BoardCapabilities: env.Capabilities,
		TotalPorts:        env.Capabilities.TotalPorts(),
	})
}

func (m *Module) handleSystem(w http.ResponseWriter, r *http.Request) {
	env, ok := m.environment(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, env.System)
}

// handlePort returns one port from the latest snapshot.
func (m *Module) handlePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "port must be an integer")
		return
	}
	snap, ok := m.latestSnapshot(w)
	if !ok {
		return
	}
	set, ok := snap.Sets[r.PathValue("set")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown PoE set "+strconv.Quote(r.PathValue("set")))
		return
	}
	status, ok := set.Port(port)
	if !ok {
		writeError(w, http.StatusNotFound, "port not reported in the latest snapshot")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePortAction enables, disables or resets a port and schedules a
// refresh.
func (m *Module) handlePortAction(w http.ResponseWriter, r *http.Request) {
	if m.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "poe module not initialized")
		return
	}
	setName := r.PathValue("set")
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "port must be an integer")
		return
	}
	action, err := ParseAction(r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = m.coordinator.Control(r.Context(), setName, port, action)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownSet), errors.Is(err, ErrUnknownPort):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(m.cfg.Control.MinInterval.Seconds())))
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	default:
		m.logger.Warn("port action failed",
			zap.String("set", setName),
			zap.Int("port", port),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, ActionResponse{
		Set:    setName,
		Port:   port,
		Action: action,
		Status: "accepted",
	})
}

func (m *Module) latestSnapshot(w http.ResponseWriter) (*models.Snapshot, bool) {
	if m.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "poe module not initialized")
		return nil, false
	}
	// A failed cycle makes the data unavailable until the next good one.
	snap, err := m.coordinator.Latest()
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	case snap == nil:
		writeError(w, http.StatusServiceUnavailable, "no PoE data yet")
		return nil, false
	}
	return snap, true
}

func (m *Module) environment(w http.ResponseWriter) (*Environment, bool) {
	if m.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "poe module not initialized")
		return nil, false
	}
	env := m.coordinator.Environment()
	if env == nil {
		writeError(w, http.StatusServiceUnavailable, "board detection has not run")
		return nil, false
	}
	return env, true
}

package portstate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/ports", Handler: m.handleList},
		{Method: "DELETE", Path: "/ports/{set}/{port}", Handler: m.handleForget},
	}
}

// ListResponse is the response for GET /ports.
type ListResponse struct {
	Reapply bool        `json:"reapply"`
	Ports   []PortState `json:"ports"`
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	states := m.openStates()
	if states == nil {
		writeError(w, r, http.StatusServiceUnavailable, "port state persistence is disabled")
		return
	}
	all, err := states.All(r.Context())
	if err != nil {
		m.logger.Error("port state query failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "port state query failed")
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Reapply: m.cfg.Reapply, Ports: all})
}

// handleForget drops the saved state of one port so it is no longer
// reapplied.
func (m *Module) handleForget(w http.ResponseWriter, r *http.Request) {
	states := m.openStates()
	if states == nil {
		writeError(w, r, http.StatusServiceUnavailable, "port state persistence is disabled")
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "port must be an integer")
		return
	}
	set := r.PathValue("set")
	found, err := states.Delete(r.Context(), set, port)
	switch {
	case err != nil:
		m.logger.Error("port state delete failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "port state delete failed")
	case !found:
		writeError(w, r, http.StatusNotFound, "no saved state for "+set+"/"+strconv.Itoa(port))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an RFC 7807 problem detail response.
func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":     "https://exaviz.com/problems/" + strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-"),
		"title":    http.StatusText(status),
		"status":   status,
		"detail":   detail,
		"instance": r.URL.Path,
	})
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
)

func mcpOptions(bus *events.Bus) []mcp.ManagerOption {
	if bus == nil {
		return nil
	}
	return []mcp.ManagerOption{mcp.WithBus(bus)}
}

func (s *Server) mcpManager() *mcp.Manager {
	return s.mcp.Get(s.Config().MCP)
}

func (s *Server) handleMCPServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": s.mcpManager().Status()}, s.logger)
}

// handleMCPSync refreshes one server ({"server": name}) or all of them
// (empty or missing body).
func (s *Server) handleMCPSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("ignoring unreadable sync body", "error", err)
	}

	mgr := s.mcpManager()
	if err := mgr.RefreshTools(r.Context(), strings.TrimSpace(req.Server)); err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": mgr.Status()}, s.logger)
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	tools := s.mcpManager().Tools(r.Context(), r.URL.Query().Get("server"))
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, map[string]any{"tools": tools}, s.logger)
}

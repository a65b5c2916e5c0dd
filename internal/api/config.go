package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/AliyahZombie/Plotrix/internal/config"
)

const maxConfigBody = 1 << 20

type configResponse struct {
	ConfigPath       string         `json:"config_path"`
	EnvAPIKeyPresent bool           `json:"env_api_key_present"`
	Config           *config.Config `json:"config"`
	RedactedSentinel string         `json:"redacted_sentinel"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, configResponse{
		ConfigPath:       s.configPath,
		EnvAPIKeyPresent: config.EnvAPIKeyPresent(),
		Config:           s.Config().Redacted(),
		RedactedSentinel: config.RedactedValue,
	}, s.logger)
}

// handlePutConfig accepts either a bare config object or {"config": {...}}.
// Secrets echoed back redacted keep their on-disk values.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if s.configPath == "" {
		s.errorResponse(w, http.StatusConflict, "no config file path; start with -config to enable editing")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		s.errorResponse(w, http.StatusBadRequest, "config must be an object")
		return
	}
	if inner, ok := raw["config"]; ok && len(inner) > 0 && inner[0] == '{' {
		body = inner
		raw = nil
		_ = json.Unmarshal(body, &raw)
	}

	incoming, err := config.Decode(body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	old, err := config.LoadFile(s.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		old = config.Default()
	} else if err != nil {
		s.logger.Error("failed to read config for merge", "path", s.configPath, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read current config")
		return
	}

	merged := config.MergeRedacted(incoming, old)
	// Listen settings only take effect on restart; keep the file's values
	// if the client did not send any.
	if _, ok := raw["listen"]; !ok {
		merged.Listen = old.Listen
	}
	if err := config.Save(s.configPath, merged); err != nil {
		s.logger.Error("failed to save config", "path", s.configPath, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	live, err := merged.WithEnv()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.setConfig(live)
	s.logger.Info("configuration updated", "path", s.configPath)

	writeJSON(w, configResponse{
		ConfigPath:       s.configPath,
		EnvAPIKeyPresent: config.EnvAPIKeyPresent(),
		Config:           merged.Redacted(),
		RedactedSentinel: config.RedactedValue,
	}, s.logger)
}

package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/AliyahZombie/Plotrix/internal/dice"
)

var errSeedNotInt = errors.New("seed must be int")

// parseSeed accepts an integer, an integral float or a numeric string.
// null and "" mean no seed.
func parseSeed(raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errSeedNotInt
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		if t != math.Trunc(t) || math.Abs(t) > math.MaxInt64 {
			return nil, errSeedNotInt
		}
		n := int64(t)
		return &n, nil
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, errSeedNotInt
		}
		return &n, nil
	}
	return nil, errSeedNotInt
}

func (s *Server) handleDiceRoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression *string         `json:"expression"`
		Seed       json.RawMessage `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Expression == nil || strings.TrimSpace(*req.Expression) == "" {
		s.errorResponse(w, http.StatusBadRequest, "expression required")
		return
	}
	seed, err := parseSeed(req.Seed)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := dice.Roll(*req.Expression, seed)
	if errors.Is(err, dice.ErrSyntax) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"ok": false, "error": err.Error()}, s.logger)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "result": res}, s.logger)
}

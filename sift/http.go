package sift

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/siftdata/sift/engine"
)

// ErrResponse is the structured error envelope every operator shares.
type ErrResponse struct {
	OK       bool   `json:"ok"`
	Operator string `json:"operator"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, operator string, err error) {
	writeJSON(w, status, ErrResponse{
		OK:       false,
		Operator: operator,
		Status:   "failed",
		Error:    err.Error(),
	})
}

// operatorStatus maps an operator failure onto its HTTP status.
func operatorStatus(err error) int {
	var gateErr *engine.GateError
	switch {
	case errors.As(err, &gateErr):
		return http.StatusPreconditionFailed
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest tags decode and validation failures for status
// mapping; wrap with fmt.Errorf("%w: ...", errBadRequest).
var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

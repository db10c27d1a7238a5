package api

import (
	"encoding/json"
	"net/http"

	"github.com/hashstack/foreman/pkg/types"
)

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func respondError(w http.ResponseWriter, status int, kind types.ErrorKind, detail string) {
	respondJSON(w, status, errorEnvelope{Success: false, Error: string(kind), Detail: detail})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into v, rejecting unknown fields so a
// typo in a client payload fails loudly instead of being dropped
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

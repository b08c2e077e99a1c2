package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agjmills/hoard/internal/apperr"
)

const maxJSONBody = 1 << 20

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("Invalid request")
	}
	return nil
}

// Message is the body of a successful response that carries no data.
type Message struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

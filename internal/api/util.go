package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/org/fleetrotate/internal/idp"
	"github.com/org/fleetrotate/internal/provision"
	"github.com/org/fleetrotate/internal/rotation"
	"github.com/org/fleetrotate/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// idParam parses the {id} URL parameter as a device UUID.
func idParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// respondError maps domain errors onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, rotation.ErrConflict),
		errors.Is(err, provision.ErrRotationInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rotation.ErrStaleProof):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case idp.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var pe *idp.Error
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

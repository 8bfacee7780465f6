package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/org/fleetrotate/pkg/models"
)

// RotationStatusHandler handles GET /v1/admin/rotation/status
func (s *Server) RotationStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.FleetStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// WaveTriggerHandler handles POST /v1/admin/rotation/wave. Without force the
// wave is refused while a rotation is in flight.
func (s *Server) WaveTriggerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	queued, err := s.engine.TriggerWave(r.Context(), req.Force)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
}

// PassRunHandler handles POST /v1/admin/rotation/pass. It runs one engine
// pass synchronously, the same work the background ticker does.
func (s *Server) PassRunHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.RunPass(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandoffHandler handles POST /v1/device/rotation/handoff. The calling
// device picks up its newly generated client secret; repeating the call
// returns the same pending secret.
func (s *Server) HandoffHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceFromCtx(r.Context())
	if device == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cred, err := s.engine.BeginHandoff(r.Context(), device.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// ConfirmHandler handles POST /v1/device/rotation/confirm. The proof is a
// token the device obtained from the identity provider using its new
// secret. Only the issue time is read here; the provider already verified
// the credentials when it issued the token.
func (s *Server) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceFromCtx(r.Context())
	if device == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Proof string `json:"proof"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Proof == "" {
		writeError(w, http.StatusBadRequest, "proof required")
		return
	}

	proof, err := parseProof(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Confirm(r.Context(), device.ID, proof); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": true})
}

func parseProof(raw string) (models.ConfirmationProof, error) {
	tok, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return models.ConfirmationProof{}, fmt.Errorf("parsing proof token: %w", err)
	}
	iat := tok.IssuedAt()
	if iat.IsZero() {
		return models.ConfirmationProof{}, errors.New("proof token has no iat claim")
	}
	return models.ConfirmationProof{IssuedAt: iat, Subject: tok.Subject()}, nil
}

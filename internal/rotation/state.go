package rotation

import (
	"errors"
	"fmt"

	"github.com/org/fleetrotate/pkg/models"
)

// ErrConflict is returned when an operation is invoked against a device
// whose rotation state does not accept it.
var ErrConflict = errors.New("rotation: conflicting state")

// ErrStaleProof is returned when a confirmation token was issued before the
// rotation attempt it claims to confirm.
var ErrStaleProof = errors.New("rotation: stale confirmation proof")

// transitions is the legal state machine. Anything not listed is rejected.
var transitions = map[models.RotationState][]models.RotationState{
	models.RotationOK:      {models.RotationQueued},
	models.RotationQueued:  {models.RotationPending},
	models.RotationPending: {models.RotationOK, models.RotationTimeout},
	models.RotationTimeout: {models.RotationPending},
}

// CanTransition reports whether from -> to is a legal rotation transition.
func CanTransition(from, to models.RotationState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to, returning ErrConflict for an illegal move.
func Transition(from, to models.RotationState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	return nil
}

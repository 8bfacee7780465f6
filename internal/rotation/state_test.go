package rotation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/fleetrotate/pkg/models"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]models.RotationState]bool{
		{models.RotationOK, models.RotationQueued}:       true,
		{models.RotationQueued, models.RotationPending}:  true,
		{models.RotationPending, models.RotationOK}:      true,
		{models.RotationPending, models.RotationTimeout}: true,
		{models.RotationTimeout, models.RotationPending}: true,
	}

	states := []models.RotationState{
		models.RotationOK,
		models.RotationQueued,
		models.RotationPending,
		models.RotationTimeout,
	}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]models.RotationState{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	err := Transition(models.RotationOK, models.RotationPending)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "ok -> pending")
}

func TestTransitionAcceptsLegalMove(t *testing.T) {
	require.NoError(t, Transition(models.RotationTimeout, models.RotationPending))
}

func TestTransitionUnknownState(t *testing.T) {
	err := Transition(models.RotationState("bogus"), models.RotationOK)
	assert.True(t, errors.Is(err, ErrConflict))
}

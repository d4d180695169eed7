package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	assert.ErrorIs(t, notFound("no session x"), ErrNotFound)
	assert.ErrorIs(t, conflict("duplicate"), ErrConflict)
	assert.ErrorIs(t, permissionDenied("nope"), ErrPermissionDenied)
	assert.ErrorIs(t, validation("bad id"), ErrValidation)
	assert.ErrorIs(t, storage(nil, "boom"), ErrStorage)

	assert.NotErrorIs(t, notFound("no session x"), ErrConflict)
}

func TestErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := storage(cause, "failed to fetch session")

	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSuggestionHelper(t *testing.T) {
	err := notFound("no acquisition scan.dcm found")
	err.Suggestion = "did you mean files/scan.dcm?"

	assert.Equal(t, "did you mean files/scan.dcm?", Suggestion(err))
	assert.Contains(t, err.Error(), "did you mean files/scan.dcm?")

	assert.Empty(t, Suggestion(fmt.Errorf("plain error")))
}

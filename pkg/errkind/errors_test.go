package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "fact missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := fmt.Errorf("while searching: %w", err)
	assert.Equal(t, KindNotFound, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestInvalidCarriesField(t *testing.T) {
	err := Invalid("branch", "must not be empty")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Contains(t, err.Error(), "branch")

	var typed *Error
	assert.True(t, errors.As(err, &typed))
	assert.Equal(t, "branch", typed.Field)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindBackendUnavailable, "insert fact", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindBackendUnavailable, KindOf(err))
}

func TestIsMatchesSameKind(t *testing.T) {
	a := New(KindConflict, "one")
	b := New(KindConflict, "two")
	assert.True(t, errors.Is(a, b))

	c := New(KindNotFound, "three")
	assert.False(t, errors.Is(a, c))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "precondition_failed", KindPreconditionFailed.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("fact", "abc")))
	assert.False(t, IsNotFound(New(KindConflict, "x")))
}

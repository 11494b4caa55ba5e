package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindValidation, "server %s already registered", "github")

	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "validation: server github already registered", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindConnectionFailed, cause, "connect to %s", "github")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindStoreError, nil, "should be nil"))
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindNotFound, "server missing")
	outer := fmt.Errorf("handling request: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.True(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(outer, KindValidation))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindNotFound))
}

package media_errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsByCode(t *testing.T) {
	err := Newf(CodeBindFailure, "порт %d занят", 5004)

	assert.True(t, errors.Is(err, ErrBindFailure))
	assert.False(t, errors.Is(err, ErrTransportOpenFailure))

	wrapped := fmt.Errorf("сессия 1: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBindFailure), "код должен находиться через fmt.Errorf %%w")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeTransportOpenFailure, cause, "не удалось открыть канал")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TransportOpenFailure")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOf(t *testing.T) {
	code, ok := CodeOf(fmt.Errorf("x: %w", New(CodeNotJoined, "")))
	require.True(t, ok)
	assert.Equal(t, CodeNotJoined, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)

	_, ok = CodeOf(nil)
	assert.False(t, ok)

	assert.True(t, Has(ErrRollbackFailure, CodeRollbackFailure))
}

func TestErrorContext(t *testing.T) {
	err := New(CodeEndpointNotActive, "эндпоинт неактивен").WithContext("endpoint_id", "ms/mixer/1")
	assert.Equal(t, "ms/mixer/1", err.Context["endpoint_id"])
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "RollbackFailure", CodeRollbackFailure.String())
	assert.Equal(t, "Unknown(1)", ErrorCode(1).String())
	assert.True(t, CodeRollbackFailure.Fatal())
	assert.False(t, CodeBindFailure.Fatal())
}

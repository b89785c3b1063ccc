package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndWrap(t *testing.T) {
	err := New("something broke")
	assert.Equal(t, "something broke", err.Error())
	assert.Contains(t, err.Location(), "errors_test.go")

	wrapped := Wrap(err, "handling emit")
	assert.Equal(t, "handling emit: something broke", wrapped.Error())
	assert.True(t, errors.Is(wrapped, err))

	assert.Nil(t, Wrap(nil, "no-op"))
}

func TestSentinelMatching(t *testing.T) {
	err := NewInvalidSubscription("event types required")
	assert.True(t, errors.Is(err, ErrInvalidSubscription))
	assert.Equal(t, "INVALID_SUBSCRIPTION", GetErrorCode(err))

	err = NewInvalidEvent("missing type")
	assert.True(t, errors.Is(err, ErrInvalidEvent))

	err = NewCallNotFound("call-1")
	assert.True(t, errors.Is(err, ErrCallNotFound))
	assert.Equal(t, "call-1", GetErrorFields(err)["call_id"])
}

func TestFailureConstructorsKeepCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")

	err := NewStoreUnavailable(cause)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, "STORE_UNAVAILABLE", GetErrorCode(err))
	assert.Contains(t, err.Error(), "connection refused")

	err = NewDispatchFailed(fmt.Errorf("broadcast failed"), "call.amd_result")
	assert.True(t, errors.Is(err, ErrDispatchFailed))
	assert.Equal(t, "DISPATCH_FAILED", GetErrorCode(err))
	assert.Equal(t, "call.amd_result", GetErrorFields(err)["event_type"])
}

func TestWithFieldCopies(t *testing.T) {
	base := New("base").WithField("a", 1)
	derived := base.WithField("b", 2)

	assert.NotContains(t, base.GetFields(), "b", "WithField must not mutate the original")
	assert.Equal(t, 1, derived.GetFields()["a"])
	assert.Equal(t, 2, derived.GetFields()["b"])
}

func TestGetErrorCodeOnPlainError(t *testing.T) {
	assert.Equal(t, "", GetErrorCode(fmt.Errorf("plain")))
	assert.Nil(t, GetErrorFields(fmt.Errorf("plain")))
}

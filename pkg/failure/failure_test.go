package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectivityClassification(t *testing.T) {
	assert.NoError(t, Connectivity("op", nil))

	err := Connectivity("pull", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.True(t, IsLibraryFailure(err))

	err = Connectivity("pull", fmt.Errorf("listkeys: %w", context.Canceled))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	inner := Protocol("pull", "bad key")
	assert.Same(t, inner, Connectivity("pull", inner))
}

func TestInvalidArgumentIsNoLibraryFailure(t *testing.T) {
	err := InvalidArgument("lookup", "unknown revision %s", "abcd")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, IsLibraryFailure(err))
	assert.Equal(t, KindInvalidArgument, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsLibraryFailure(errors.New("plain")))
}

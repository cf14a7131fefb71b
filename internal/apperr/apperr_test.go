package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfWalksChain(t *testing.T) {
	base := NotFound("conversation not found")
	wrapped := fmt.Errorf("get conversation: %w", base)

	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.True(t, Is(wrapped, KindNotFound))
	require.False(t, Is(wrapped, KindValidation))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	require.False(t, Is(nil, KindInternal))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("append message", cause)

	require.Equal(t, "append message: disk full", err.Error())
	require.ErrorIs(t, err, cause)

	e, ok := As(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	require.Equal(t, KindPersistence, e.Kind)
}

func TestValidationFields(t *testing.T) {
	err := ValidationFields("invalid request", map[string]string{"email": "must be a valid email"})
	require.Equal(t, KindValidation, err.Kind)
	require.Equal(t, "must be a valid email", err.Fields["email"])
	require.Equal(t, "validation", err.Kind.String())
}

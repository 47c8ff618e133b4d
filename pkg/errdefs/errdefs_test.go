package errdefs

import (
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func TestClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc     string
		err      error
		is       func(error) bool
		cerrdefs func(error) bool
	}{
		{"not found", ErrNotFound, IsNotFound, cerrdefs.IsNotFound},
		{"integrity", ErrIntegrity, IsIntegrity, cerrdefs.IsDataLoss},
		{"auth", ErrAuth, IsAuth, cerrdefs.IsUnauthorized},
		{"network", ErrNetwork, IsNetwork, cerrdefs.IsUnavailable},
		{"corrupt index", ErrCorruptIndex, IsCorruptIndex, cerrdefs.IsFailedPrecondition},
		{"boot failure", ErrBootFailure, IsBootFailure, cerrdefs.IsInternal},
		{"resource", ErrResource, IsResource, cerrdefs.IsResourceExhausted},
		{"invalid state", ErrInvalidState, IsInvalidState, cerrdefs.IsConflict},
		{"invalid argument", ErrInvalidArgument, IsInvalidArgument, cerrdefs.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			err := fmt.Errorf("container abc: %w", tt.err)
			require.True(t, tt.is(err))
			require.True(t, tt.cerrdefs(err))
			require.Equal(t, "container abc: "+tt.err.Error(), err.Error())
		})
	}

	require.False(t, IsNotFound(ErrAuth))
	require.False(t, IsInvalidState(ErrNotFound))
}

package torii

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-data/torii/internal/kernel"
)

// The public enum and the kernel's internal set must stay in lockstep; a code
// added internally but missing here would be invisible to callers switching
// on KernelErrorCodes.
func TestKernelErrorCodesMatchInternal(t *testing.T) {
	internal := kernel.ErrorCodes()
	require.Len(t, KernelErrorCodes, len(internal))
	for i, code := range internal {
		assert.Equal(t, string(code), string(KernelErrorCodes[i]))
	}
	assert.True(t, sort.SliceIsSorted(KernelErrorCodes, func(i, j int) bool {
		return KernelErrorCodes[i] < KernelErrorCodes[j]
	}))
}

func TestErrorUnwrapsThroughKernel(t *testing.T) {
	cause := fmt.Errorf("row gone")
	err := mapKernelError(&kernel.Error{Code: kernel.CodeNotFound, Err: cause})

	var terr *Error
	require.ErrorIs(t, err, cause)
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, CodeNotFound, terr.Code)
	assert.Contains(t, terr.Error(), "not_found")
}

package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	a := ConnectError("s1", errors.New("refused"))
	b := ConnectError("g", errors.New("timed out"))
	c := TimeoutError("s1", errors.New("no DONE"))

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := ProtocolError("g", cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestBackwardsTimeErrorf_Message(t *testing.T) {
	err := BackwardsTimeErrorf("s1", 5000, 1000)
	assert.Contains(t, err.Error(), "s1")
	assert.Contains(t, err.Error(), "5000")
	assert.Contains(t, err.Error(), "1000")
}

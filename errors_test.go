package joinstr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	base := errorf(CodeListCoins, "scan failed")
	require.Equal(t, CodeListCoins, codeOf(base, CodeTokio))

	// codes survive wrapping
	wrapped := fmt.Errorf("outer: %w", base)
	require.Equal(t, CodeListCoins, codeOf(wrapped, CodeTokio))

	// bare errors fall back
	require.Equal(t, CodeTokio, codeOf(errors.New("plumbing"), CodeTokio))
}

func TestErrorFormatting(t *testing.T) {
	err := newError(CodePoolConfig, errors.New("peers"))
	require.Equal(t, "pool_config: peers", err.Error())
	require.Equal(t, CodePoolConfig, err.Code())
	require.EqualError(t, errors.Unwrap(err), "peers")

	bare := &Error{code: CodeNone}
	require.Equal(t, "none", bare.Error())
}

func TestCodeValuesAreStable(t *testing.T) {
	// shared with the C bindings, positions must not move
	require.EqualValues(t, 0, CodeNone)
	require.EqualValues(t, 1, CodeTokio)
	require.EqualValues(t, 2, CodeCastString)
	require.EqualValues(t, 3, CodeJson)
	require.EqualValues(t, 4, CodeCString)
	require.EqualValues(t, 5, CodeListPools)
	require.EqualValues(t, 6, CodeListCoins)
	require.EqualValues(t, 7, CodeInitiateConjoin)
	require.EqualValues(t, 8, CodeSerdeJson)
	require.EqualValues(t, 9, CodePoolConfig)
	require.EqualValues(t, 10, CodePeerConfig)
}

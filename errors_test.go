package leap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairingErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &PairingError{Kind: PairingTimeout, Err: errors.New("deadline")})
	require.True(t, errors.Is(err, &PairingError{Kind: PairingTimeout}))
	require.False(t, errors.Is(err, &PairingError{Kind: PairingRejected}))
}

func TestIsPairingFailureHelper(t *testing.T) {
	err := &PairingError{Kind: PairingRejected}
	require.True(t, IsPairingFailure(err, PairingRejected))
	require.False(t, IsPairingFailure(err, PairingTimeout))
	require.False(t, IsPairingFailure(errors.New("other"), PairingTimeout))
}

func TestTransportErrorUnwraps(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := &TransportError{Op: "read", Err: cause}
	require.ErrorIs(t, err, cause)
}

func TestDecodeErrorUnwraps(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &DecodeError{Raw: []byte("{"), Err: cause}
	require.ErrorIs(t, err, cause)
}

func TestUnknownEntityErrorMessage(t *testing.T) {
	err := &UnknownEntityError{Kind: "device", ID: 42}
	require.Contains(t, err.Error(), "device")
	require.Contains(t, err.Error(), "42")
}

package writer

import (
	"errors"

	"github.com/chunkfs/chunkfs/internal/protocol"
)

// Error kinds surfaced by the writer. The RPC layer carries plain status
// ints (POSIX sign convention); these sentinels are the API-boundary form.
var (
	ErrParameters = errors.New("invalid parameters")
	ErrTryAgain   = errors.New("try again")
	ErrFault      = errors.New("internal fault")
	ErrNoEntry    = errors.New("no such entry")
	ErrReadOnly   = errors.New("read-only")
	ErrSeek       = errors.New("non-sequential write not supported")
	ErrIO         = errors.New("i/o error")
)

// StatusError converts a status code to its sentinel error, nil for zero.
// Unknown negative codes map to ErrIO.
func StatusError(status int) error {
	switch status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusParameters:
		return ErrParameters
	case protocol.StatusTryAgain:
		return ErrTryAgain
	case protocol.StatusFault:
		return ErrFault
	case protocol.StatusNoEntry:
		return ErrNoEntry
	case protocol.StatusReadOnly:
		return ErrReadOnly
	case protocol.StatusSeek:
		return ErrSeek
	default:
		return ErrIO
	}
}

// StatusOf converts a sentinel error back to its status code.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrParameters):
		return protocol.StatusParameters
	case errors.Is(err, ErrTryAgain):
		return protocol.StatusTryAgain
	case errors.Is(err, ErrFault):
		return protocol.StatusFault
	case errors.Is(err, ErrNoEntry):
		return protocol.StatusNoEntry
	case errors.Is(err, ErrReadOnly):
		return protocol.StatusReadOnly
	case errors.Is(err, ErrSeek):
		return protocol.StatusSeek
	default:
		return protocol.StatusIO
	}
}

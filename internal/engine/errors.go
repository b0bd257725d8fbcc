package engine

import "errors"

var (
	// ErrConfiguration means the engine rejected a UCI option or never became
	// ready during setup. The owning session aborts, nothing else is affected.
	ErrConfiguration = errors.New("engine configuration rejected")

	// ErrProtocol means the subprocess misbehaved or died mid-protocol.
	ErrProtocol = errors.New("engine protocol failure")

	// ErrSearchTimeout means a search did not produce a best move within the
	// grace period after a stop was issued.
	ErrSearchTimeout = errors.New("engine search timed out")
)

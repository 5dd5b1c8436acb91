package mqtt

import "errors"

var (
	// ErrConnection is returned by Connect when the transport fails to set
	// up a session with the broker.
	ErrConnection = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned by Publish when no session is up.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrClosed is returned to a Connect caller whose attempt was aborted
	// by Disconnect.
	ErrClosed = errors.New("mqtt: connection closed")
)

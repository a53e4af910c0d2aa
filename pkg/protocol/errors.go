package protocol

import "fmt"

// ConnectionError reports a signaling or transport failure. It is surfaced
// to the host application but never ends the session; the peer continues in
// a degraded state.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MaterializationError reports a failed object load or name lookup. The
// specific add is abandoned; the registry is left untouched.
type MaterializationError struct {
	ObjectID string
	Err      error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materializing object %s failed: %v", e.ObjectID, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// ProtocolViolation reports a malformed or unauthorized message from a peer.
// Violations are discarded and at most logged: a misbehaving or stale peer
// must not be able to crash anyone else.
type ProtocolViolation struct {
	PeerID string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation from %s: %s", e.PeerID, e.Reason)
}

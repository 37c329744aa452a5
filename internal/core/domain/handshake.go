package domain

// HandshakeState is the position of a single activation handshake.
//
//	Issued -> Consumed -> SessionActive -> SessionExpired
//	                                    \-> SessionInvalidated
//
// A consumed challenge that fails validation stays Consumed forever.
type HandshakeState string

const (
	HandshakeIssued             HandshakeState = "issued"
	HandshakeConsumed           HandshakeState = "consumed"
	HandshakeSessionActive      HandshakeState = "session_active"
	HandshakeSessionExpired     HandshakeState = "session_expired"
	HandshakeSessionInvalidated HandshakeState = "session_invalidated"
)

var handshakeTransitions = map[HandshakeState][]HandshakeState{
	HandshakeIssued:        {HandshakeConsumed},
	HandshakeConsumed:      {HandshakeSessionActive},
	HandshakeSessionActive: {HandshakeSessionActive, HandshakeSessionExpired, HandshakeSessionInvalidated},
}

// Allows reports whether next is reachable from s in one step.
// SessionActive -> SessionActive is a heartbeat extension.
func (s HandshakeState) Allows(next HandshakeState) bool {
	for _, candidate := range handshakeTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s HandshakeState) Terminal() bool {
	return len(handshakeTransitions[s]) == 0
}

package peer

// State is a peer session's lifecycle stage. It is monotonic forward-only in
// practice: Uninitialized -> Connecting -> Connected -> Disconnecting ->
// Disconnected.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// canEmit reports whether a session in state s is allowed to deliver
// outbound frames to its client.
//
// Resolves spec's open question: a literal "only Connected" gate would drop
// the Disconnected notifications cleanup must deliver to the far side of
// every pairing while self is mid-cleanup. Disconnecting is therefore
// admitted; only Disconnected forbids emission.
func canEmit(s State) bool {
	return s == StateConnected || s == StateDisconnecting
}

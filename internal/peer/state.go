package peer

// State is the negotiation state of one remote peer.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingOffer
	StateAnswered
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOffering:
		return "OFFERING"
	case StateAwaitingOffer:
		return "AWAITING_OFFER"
	case StateAnswered:
		return "ANSWERED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// EventKind identifies a transport event.
type EventKind int

const (
	EventCandidate EventKind = iota + 1
	EventTransport
	EventChannelOpen
	EventChannelClose
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventTransport:
		return "transport"
	case EventChannelOpen:
		return "channel-open"
	case EventChannelClose:
		return "channel-close"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

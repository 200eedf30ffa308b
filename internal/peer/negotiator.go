// Package peer drives the WebRTC negotiation with one remote participant.
//
// A Negotiator owns one connection and its chat channel. Signaling input
// (offers, answers, candidates) is applied through explicit methods; transport
// callbacks are converted to Events and handed back to the owner, which feeds
// them to Handle. The owner decides what to do with each transition.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/util"
)

// ErrNegotiation reports a signaling input that does not fit the current
// state, or a transport failure while applying it.
var ErrNegotiation = errors.New("negotiation error")

// Event is a transport callback converted to a value.
type Event struct {
	Kind EventKind

	// Candidate is set for EventCandidate.
	Candidate webrtc.ICECandidateInit
	// Transport is set for EventTransport.
	Transport webrtc.PeerConnectionState
	// Data is set for EventMessage. It is owned by the receiver.
	Data []byte
}

// Negotiator is the per-peer state machine.
type Negotiator struct {
	id   string
	conn Conn
	ch   Channel

	mu          sync.Mutex
	state       State
	transportUp bool
	channelOpen bool

	closed atomic.Bool
}

// New creates the connection through factory and wires its callbacks into
// emit. emit is called from transport goroutines and must not block for long.
func New(id string, factory Factory, emit func(Event)) (*Negotiator, error) {
	conn, ch, err := factory()
	if err != nil {
		return nil, err
	}

	n := &Negotiator{
		id:    id,
		conn:  conn,
		ch:    ch,
		state: StateNew,
	}

	send := func(ev Event) {
		if n.closed.Load() {
			return
		}
		emit(ev)
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("[%s] candidate gathering complete", util.ShortID(id))
			return
		}
		send(Event{Kind: EventCandidate, Candidate: c.ToJSON()})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		send(Event{Kind: EventTransport, Transport: s})
	})
	ch.OnOpen(func() {
		send(Event{Kind: EventChannelOpen})
	})
	ch.OnClose(func() {
		send(Event{Kind: EventChannelClose})
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		send(Event{Kind: EventMessage, Data: data})
	})

	return n, nil
}

// ID returns the remote peer id.
func (n *Negotiator) ID() string { return n.id }

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Initiate creates and applies the local offer. Only valid in NEW.
func (n *Negotiator) Initiate() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateNew {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: initiate in %s", ErrNegotiation, n.state)
	}

	offer, err := n.conn.CreateOffer(nil)
	if err != nil {
		n.state = StateFailed
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		n.state = StateFailed
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	n.state = StateOffering
	return offer, nil
}

// Await marks the negotiator as waiting for the remote offer.
func (n *Negotiator) Await() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateNew {
		return fmt.Errorf("%w: await in %s", ErrNegotiation, n.state)
	}
	n.state = StateAwaitingOffer
	return nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (n *Negotiator) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateNew && n.state != StateAwaitingOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer in %s", ErrNegotiation, n.state)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", ErrNegotiation, offer.Type)
	}

	if err := n.conn.SetRemoteDescription(offer); err != nil {
		n.state = StateFailed
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	answer, err := n.conn.CreateAnswer(nil)
	if err != nil {
		n.state = StateFailed
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		n.state = StateFailed
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	n.state = StateAnswered
	return answer, nil
}

// AcceptAnswer applies the remote answer to our offer. In any state other
// than OFFERING it fails and leaves the state untouched.
func (n *Negotiator) AcceptAnswer(answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateOffering {
		return fmt.Errorf("%w: answer in %s", ErrNegotiation, n.state)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrNegotiation, answer.Type)
	}

	if err := n.conn.SetRemoteDescription(answer); err != nil {
		n.state = StateFailed
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}

	n.state = StateAnswered
	n.promote()
	return nil
}

// AddRemoteCandidate applies one remote candidate. Failures are reported but
// never change the state.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateNew || n.state.Terminal() {
		return fmt.Errorf("%w: candidate in %s", ErrNegotiation, n.state)
	}
	if err := n.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// Handle applies a transport event and returns the transition it caused.
// from == to when the event changed nothing.
func (n *Negotiator) Handle(ev Event) (from, to State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	from = n.state
	if from.Terminal() {
		return from, from
	}

	switch ev.Kind {
	case EventTransport:
		switch ev.Transport {
		case webrtc.PeerConnectionStateConnected:
			n.transportUp = true
			n.promote()
		case webrtc.PeerConnectionStateDisconnected:
			n.state = StateDisconnected
		case webrtc.PeerConnectionStateFailed:
			n.state = StateFailed
		case webrtc.PeerConnectionStateClosed:
			n.state = StateClosed
		}
	case EventChannelOpen:
		n.channelOpen = true
		n.promote()
	case EventChannelClose:
		n.state = StateClosed
	}

	return from, n.state
}

// promote moves ANSWERED to CONNECTED once both the transport and the channel
// are up. Caller holds n.mu.
func (n *Negotiator) promote() {
	if n.state == StateAnswered && n.transportUp && n.channelOpen {
		n.state = StateConnected
	}
}

// Send writes one text frame on the chat channel.
func (n *Negotiator) Send(text string) error {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	if state != StateConnected {
		return fmt.Errorf("%w: send in %s", ErrNegotiation, state)
	}
	return n.ch.SendText(text)
}

// Close releases the channel and the connection. Safe to call multiple times.
// No event is emitted after Close.
func (n *Negotiator) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.Lock()
	if !n.state.Terminal() {
		n.state = StateClosed
	}
	n.mu.Unlock()

	return errors.Join(n.ch.Close(), n.conn.Close())
}

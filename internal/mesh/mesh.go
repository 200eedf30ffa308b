// Package mesh maintains a full mesh of peer connections for one participant,
// using the signaling relay to find and negotiate with the others.
//
// Every participant that enters broadcasts an announce. Members already in
// the room answer with a direct announce, and the newcomer then initiates an
// offer toward each of them. Each entered Mesh runs one event loop goroutine
// that owns the peer table; relay frames, transport callbacks and public
// requests are all posted to it.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/meshchat/internal/chat"
	"github.com/1ureka/meshchat/internal/peer"
	"github.com/1ureka/meshchat/internal/signaling"
	"github.com/1ureka/meshchat/internal/util"
)

// ErrSession reports misuse of the Mesh API, such as entering twice.
var ErrSession = errors.New("session error")

// Link is the relay connection the mesh signals over. *signaling.Link
// implements it.
type Link interface {
	Send(env signaling.Envelope) error
	OnMessage(fn func(signaling.Envelope))
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Link to the relay at url.
type Dialer func(ctx context.Context, url string) (Link, error)

// DialRelay is the default Dialer.
func DialRelay(ctx context.Context, url string) (Link, error) {
	l, err := signaling.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// PeerInfo describes a remote participant in lifecycle notifications.
type PeerInfo struct {
	ID          string
	DisplayName string
	State       peer.State
}

// Observer receives everything the mesh reports. Methods are called from the
// event loop goroutine, one at a time, and must not call back into the Mesh.
type Observer interface {
	// Message is called for every chat message, local ones included.
	Message(msg chat.Message)
	// PeerJoined is called when a peer becomes CONNECTED.
	PeerJoined(info PeerInfo)
	// PeerLeft is called when a peer that had joined goes away.
	PeerLeft(info PeerInfo)
	// Failed is called once when the relay link is lost. The mesh is torn
	// down before it is called.
	Failed(err error)
}

// Config wires a Mesh to its collaborators.
type Config struct {
	RelayURL string
	NewConn  peer.Factory
	Dial     Dialer
	Observer Observer
}

// Mesh is one participant's view of the room.
type Mesh struct {
	cfg Config

	mu   sync.Mutex
	loop *loop
}

// New returns a Mesh that has not entered yet. A nil Dial uses DialRelay; a
// nil Observer discards notifications.
func New(cfg Config) *Mesh {
	if cfg.Dial == nil {
		cfg.Dial = DialRelay
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Mesh{cfg: cfg}
}

// active returns the running loop, if any. A loop that lost its link counts
// as gone as soon as it starts tearing down. Caller holds m.mu.
func (m *Mesh) active() *loop {
	if m.loop == nil {
		return nil
	}
	select {
	case <-m.loop.stop:
		return nil
	default:
		return m.loop
	}
}

// Enter opens the relay link and announces self to the room. ctx bounds the
// dial only.
func (m *Mesh) Enter(ctx context.Context, self, displayName string) error {
	if self == "" {
		return fmt.Errorf("%w: empty identity", ErrSession)
	}
	if m.cfg.NewConn == nil {
		return fmt.Errorf("%w: no connection factory", ErrSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active() != nil {
		return fmt.Errorf("%w: already entered", ErrSession)
	}
	if m.loop != nil {
		// A loop that lost its link may still be finishing its teardown.
		<-m.loop.done
		m.loop = nil
	}

	link, err := m.cfg.Dial(ctx, m.cfg.RelayURL)
	if err != nil {
		return err
	}

	// The announce goes out before the handler is registered; anything the
	// relay sends meanwhile is held by the link.
	if err := link.Send(signaling.NewAnnounce(self, signaling.Broadcast, displayName)); err != nil {
		link.Close()
		return err
	}

	l := newLoop(self, displayName, link, m.cfg.NewConn, m.cfg.Observer)
	link.OnMessage(func(env signaling.Envelope) {
		l.post(envelopeEvent{env: env})
	})
	go l.run()

	m.loop = l
	util.LogInfo("entered as %q [%s]", displayName, util.ShortID(self))
	return nil
}

// Send emits a local chat message to the Observer and writes it to every
// connected peer. It returns the number of peers the message was written to.
func (m *Mesh) Send(text string) (int, error) {
	m.mu.Lock()
	l := m.active()
	m.mu.Unlock()

	if l == nil {
		return 0, fmt.Errorf("%w: not entered", ErrSession)
	}

	reply := make(chan sendResult, 1)
	if !l.post(sendRequest{text: text, reply: reply}) {
		return 0, fmt.Errorf("%w: not entered", ErrSession)
	}
	select {
	case r := <-reply:
		return r.sent, r.err
	case <-l.done:
		return 0, fmt.Errorf("%w: left while sending", ErrSession)
	}
}

// Leave closes every peer and the relay link. Calling it when not entered is
// a no-op.
func (m *Mesh) Leave() error {
	m.mu.Lock()
	l := m.loop
	m.loop = nil
	m.mu.Unlock()

	if l == nil {
		return nil
	}
	l.shutdown()
	<-l.done
	return nil
}

// Peers returns the state of every known peer.
func (m *Mesh) Peers() map[string]peer.State {
	m.mu.Lock()
	l := m.active()
	m.mu.Unlock()

	if l == nil {
		return map[string]peer.State{}
	}

	reply := make(chan map[string]peer.State, 1)
	if !l.post(peersRequest{reply: reply}) {
		return map[string]peer.State{}
	}
	select {
	case peers := <-reply:
		return peers
	case <-l.done:
		return map[string]peer.State{}
	}
}

type nopObserver struct{}

func (nopObserver) Message(chat.Message) {}
func (nopObserver) PeerJoined(PeerInfo) {}
func (nopObserver) PeerLeft(PeerInfo) {}
func (nopObserver) Failed(error) {}

// Package peertest provides in-memory peer connections for tests.
//
// Connections created from one Network find each other through the session
// descriptions they exchange: a description carries the token of the
// connection that created it. Once two connections hold each other's
// descriptions they "connect" and their chat channels open. Every callback
// runs on its own goroutine, as it does with pion.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/peer"
)

var (
	errNoRemote  = errors.New("peertest: remote description not set")
	errNoLocal   = errors.New("peertest: local description not set")
	errBadSDP    = errors.New("peertest: unknown session description")
	errEmptyCand = errors.New("peertest: empty candidate")
	errClosed    = errors.New("peertest: connection closed")
	errNotOpen   = errors.New("peertest: channel not open")
	errNoOffer   = errors.New("peertest: no remote offer to answer")
)

const (
	offerPrefix  = "fake-offer "
	answerPrefix = "fake-answer "
)

var hostCandidate = webrtc.ICECandidate{
	Foundation: "1",
	Priority:   2130706431,
	Address:    "192.0.2.1",
	Protocol:   webrtc.ICEProtocolUDP,
	Port:       5000,
	Typ:        webrtc.ICECandidateTypeHost,
	Component:  1,
}

// Network links the fake connections it creates. All connection state is
// guarded by the network mutex.
type Network struct {
	mu    sync.Mutex
	conns map[string]*Conn
	order []*Conn
	next  int
	fail  error
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// Factory returns a peer.Factory creating connections on n.
func (n *Network) Factory() peer.Factory {
	return func() (peer.Conn, peer.Channel, error) {
		n.mu.Lock()
		defer n.mu.Unlock()

		if n.fail != nil {
			return nil, nil, n.fail
		}

		n.next++
		c := &Conn{
			net:   n,
			token: fmt.Sprintf("c%d", n.next),
			state: webrtc.PeerConnectionStateNew,
		}
		c.ch = &Channel{conn: c}
		n.conns[c.token] = c
		n.order = append(n.order, c)
		return c, c.ch, nil
	}
}

// FailWith makes every following factory call return err. nil restores
// normal behavior.
func (n *Network) FailWith(err error) {
	n.mu.Lock()
	n.fail = err
	n.mu.Unlock()
}

// Conns returns every connection created so far, in creation order.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Conn, len(n.order))
	copy(out, n.order)
	return out
}

// Conn is a fake peer.Conn.
type Conn struct {
	net   *Network
	token string
	ch    *Channel

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	peer   *Conn

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)

	state      webrtc.PeerConnectionState
	connected  bool
	closed     bool
	candidates []webrtc.ICECandidateInit
}

var _ peer.Conn = (*Conn)(nil)

// Token identifies the connection inside its network.
func (c *Conn) Token() string { return c.token }

// Channel returns the connection's chat channel.
func (c *Conn) Channel() *Channel { return c.ch }

// Connected reports whether the connection reached its peer.
func (c *Conn) Connected() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.connected
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.closed
}

// Candidates returns the remote candidates added so far.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *Conn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerPrefix + c.token}, nil
}

func (c *Conn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errNoOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerPrefix + c.token}, nil
}

// SetLocalDescription stores desc and starts "gathering": one host candidate
// followed by the end-of-candidates nil.
func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return errClosed
	}
	c.local = &desc
	cb := c.onCandidate
	fire := c.tryConnect()
	c.net.mu.Unlock()

	if cb != nil {
		go func() {
			cand := hostCandidate
			cb(&cand)
			cb(nil)
		}()
	}
	fire()
	return nil
}

// SetRemoteDescription resolves the connection that produced desc.
func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return errClosed
	}

	var token string
	switch {
	case desc.Type == webrtc.SDPTypeOffer && strings.HasPrefix(desc.SDP, offerPrefix):
		token = strings.TrimPrefix(desc.SDP, offerPrefix)
	case desc.Type == webrtc.SDPTypeAnswer && strings.HasPrefix(desc.SDP, answerPrefix):
		if c.local == nil {
			c.net.mu.Unlock()
			return errNoLocal
		}
		token = strings.TrimPrefix(desc.SDP, answerPrefix)
	}
	p, ok := c.net.conns[token]
	if !ok || p == c {
		c.net.mu.Unlock()
		return errBadSDP
	}

	c.remote = &desc
	c.peer = p
	fire := c.tryConnect()
	c.net.mu.Unlock()

	fire()
	return nil
}

func (c *Conn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.remote == nil {
		return errNoRemote
	}
	if init.Candidate == "" {
		return errEmptyCand
	}
	c.candidates = append(c.candidates, init)
	return nil
}

func (c *Conn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.net.mu.Lock()
	c.onCandidate = f
	c.net.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.net.mu.Lock()
	c.onState = f
	c.net.mu.Unlock()
}

// Close closes the connection. The remote side sees its channel close and its
// transport disconnect.
func (c *Conn) Close() error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	self := c.onState

	var remoteState func(webrtc.PeerConnectionState)
	var remoteClose func()
	if p := c.peer; p != nil && c.connected && !p.closed {
		remoteState = p.onState
		if p.ch.open {
			p.ch.open = false
			remoteClose = p.ch.onClose
		}
	}
	c.ch.open = false
	c.net.mu.Unlock()

	go func() {
		if self != nil {
			self(webrtc.PeerConnectionStateClosed)
		}
	}()
	go func() {
		if remoteClose != nil {
			remoteClose()
		}
		if remoteState != nil {
			remoteState(webrtc.PeerConnectionStateDisconnected)
		}
	}()
	return nil
}

// Drop reports a transport state change on c without touching its peer, as
// when the network path goes away.
func (c *Conn) Drop(state webrtc.PeerConnectionState) {
	c.net.mu.Lock()
	c.state = state
	cb := c.onState
	c.net.mu.Unlock()

	if cb != nil {
		go cb(state)
	}
}

// tryConnect links c with its peer once both hold each other's descriptions.
// It returns the callbacks to run after the network mutex is released.
func (c *Conn) tryConnect() func() {
	p := c.peer
	if c.connected || p == nil || p.closed || p.peer != c {
		return func() {}
	}
	if c.local == nil || c.remote == nil || p.local == nil || p.remote == nil {
		return func() {}
	}

	c.connected, p.connected = true, true
	c.state, p.state = webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateConnected
	c.ch.open, p.ch.open = true, true

	sides := []struct {
		state func(webrtc.PeerConnectionState)
		open  func()
	}{
		{c.onState, c.ch.onOpen},
		{p.onState, p.ch.onOpen},
	}
	return func() {
		for _, s := range sides {
			go func() {
				if s.state != nil {
					s.state(webrtc.PeerConnectionStateConnecting)
					s.state(webrtc.PeerConnectionStateConnected)
				}
				if s.open != nil {
					s.open()
				}
			}()
		}
	}
}

// Channel is a fake peer.Channel.
type Channel struct {
	conn *Conn

	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)

	open bool
	sent []string
}

var _ peer.Channel = (*Channel)(nil)

func (ch *Channel) OnOpen(f func()) {
	ch.conn.net.mu.Lock()
	ch.onOpen = f
	ch.conn.net.mu.Unlock()
}

func (ch *Channel) OnClose(f func()) {
	ch.conn.net.mu.Lock()
	ch.onClose = f
	ch.conn.net.mu.Unlock()
}

func (ch *Channel) OnMessage(f func(webrtc.DataChannelMessage)) {
	ch.conn.net.mu.Lock()
	ch.onMessage = f
	ch.conn.net.mu.Unlock()
}

// SendText delivers s to the peer channel on the caller's goroutine, so frames
// from one sender arrive in order.
func (ch *Channel) SendText(s string) error {
	ch.conn.net.mu.Lock()
	if !ch.open {
		ch.conn.net.mu.Unlock()
		return errNotOpen
	}
	ch.sent = append(ch.sent, s)
	var deliver func(webrtc.DataChannelMessage)
	if p := ch.conn.peer; p != nil && p.ch.open {
		deliver = p.ch.onMessage
	}
	ch.conn.net.mu.Unlock()

	if deliver != nil {
		deliver(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
	}
	return nil
}

// Sent returns every frame written on the channel.
func (ch *Channel) Sent() []string {
	ch.conn.net.mu.Lock()
	defer ch.conn.net.mu.Unlock()
	out := make([]string, len(ch.sent))
	copy(out, ch.sent)
	return out
}

// Close closes the channel only. The remote channel sees OnClose.
func (ch *Channel) Close() error {
	ch.conn.net.mu.Lock()
	if !ch.open {
		ch.conn.net.mu.Unlock()
		return nil
	}
	ch.open = false
	var remoteClose func()
	if p := ch.conn.peer; p != nil && p.ch.open {
		p.ch.open = false
		remoteClose = p.ch.onClose
	}
	ch.conn.net.mu.Unlock()

	if remoteClose != nil {
		go remoteClose()
	}
	return nil
}

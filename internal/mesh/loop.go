package mesh

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshchat/internal/chat"
	"github.com/1ureka/meshchat/internal/peer"
	"github.com/1ureka/meshchat/internal/signaling"
	"github.com/1ureka/meshchat/internal/util"
)

const eventBufferSize = 256

// ---------------------------------------------------------------------------
// Events posted to the loop
// ---------------------------------------------------------------------------

type event interface{ isEvent() }

type envelopeEvent struct{ env signaling.Envelope }

// peerEvent carries the record it was emitted for, so that events from a
// record that has since been removed or replaced are ignored.
type peerEvent struct {
	rec *record
	ev  peer.Event
}

type sendRequest struct {
	text  string
	reply chan<- sendResult
}

type sendResult struct {
	sent int
	err  error
}

type peersRequest struct {
	reply chan<- map[string]peer.State
}

func (envelopeEvent) isEvent() {}
func (peerEvent) isEvent() {}
func (sendRequest) isEvent() {}
func (peersRequest) isEvent() {}

// record is one remote participant.
type record struct {
	id     string
	name   string
	neg    *peer.Negotiator
	joined bool
}

func (r *record) info() PeerInfo {
	return PeerInfo{ID: r.id, DisplayName: r.name, State: r.neg.State()}
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// loop is the single goroutine that owns the peer table for one Enter.
type loop struct {
	self    string
	name    string
	link    Link
	factory peer.Factory
	obs     Observer

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	peers map[string]*record
}

func newLoop(self, name string, link Link, factory peer.Factory, obs Observer) *loop {
	return &loop{
		self:    self,
		name:    name,
		link:    link,
		factory: factory,
		obs:     obs,
		events:  make(chan event, eventBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   make(map[string]*record),
	}
}

// post hands ev to the loop. It returns false once the loop is stopping.
func (l *loop) post(ev event) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.stop:
		return false
	case <-l.done:
		return false
	}
}

func (l *loop) shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.teardown()
			return

		case <-l.link.Done():
			l.shutdown()
			l.teardown()
			err := l.link.Err()
			if err == nil {
				err = signaling.ErrConnection
			}
			util.LogError("relay link lost: %v", err)
			l.obs.Failed(err)
			return

		case ev := <-l.events:
			l.dispatch(ev)
		}
	}
}

func (l *loop) dispatch(ev event) {
	switch ev := ev.(type) {
	case envelopeEvent:
		l.route(ev.env)
	case peerEvent:
		l.onPeerEvent(ev.rec, ev.ev)
	case sendRequest:
		n, err := l.broadcast(ev.text)
		ev.reply <- sendResult{sent: n, err: err}
	case peersRequest:
		out := make(map[string]peer.State, len(l.peers))
		for id, rec := range l.peers {
			out[id] = rec.neg.State()
		}
		ev.reply <- out
	}
}

// teardown closes every peer and the link. No PeerLeft is reported: the
// whole room goes away at once.
func (l *loop) teardown() {
	for id, rec := range l.peers {
		if err := rec.neg.Close(); err != nil {
			util.LogDebug("[%s] close: %v", util.ShortID(id), err)
		}
		if rec.joined {
			util.Stats.RemovePeer()
		}
		delete(l.peers, id)
	}
	if err := l.link.Close(); err != nil {
		util.LogDebug("relay close: %v", err)
	}
	util.LogInfo("left the mesh [%s]", util.ShortID(l.self))
}

// ---------------------------------------------------------------------------
// Relay routing
// ---------------------------------------------------------------------------

func (l *loop) route(env signaling.Envelope) {
	if env.SenderID == l.self {
		util.LogDebug("dropping echo of own %s", env.Kind())
		return
	}
	if env.DestID != l.self && env.DestID != signaling.Broadcast {
		util.LogDebug("dropping %s for [%s]", env.Kind(), util.ShortID(env.DestID))
		return
	}

	from := env.SenderID
	switch env.Kind() {
	case signaling.KindAnnounce:
		if env.DestID == signaling.Broadcast {
			l.onNewcomer(from, env.DisplayName())
		} else {
			l.onMember(from, env.DisplayName())
		}

	case signaling.KindDescription:
		rec, ok := l.peers[from]
		if !ok {
			util.LogDebug("[%s] sdp from unknown peer, dropping", util.ShortID(from))
			return
		}
		desc, err := env.Payload.SDP.ToPion()
		if err != nil {
			util.LogWarning("[%s] %v", util.ShortID(from), err)
			return
		}
		if desc.Type == webrtc.SDPTypeOffer {
			l.onOffer(rec, desc)
		} else {
			l.onAnswer(rec, desc)
		}

	case signaling.KindCandidate:
		rec, ok := l.peers[from]
		if !ok {
			util.LogDebug("[%s] candidate from unknown peer, dropping", util.ShortID(from))
			return
		}
		if err := rec.neg.AddRemoteCandidate(env.Payload.ICE.ToPion()); err != nil {
			util.LogWarning("[%s] %v", util.ShortID(from), err)
		}
	}
}

// onNewcomer handles a broadcast announce: someone entered after us. We wait
// for their offer and tell them we are here.
func (l *loop) onNewcomer(id, name string) {
	if old, ok := l.peers[id]; ok {
		util.LogDebug("[%s] announced again, replacing record", util.ShortID(id))
		l.remove(old)
	}

	rec, err := l.addRecord(id, name)
	if err != nil {
		util.LogWarning("[%s] %v", util.ShortID(id), err)
		return
	}
	if err := rec.neg.Await(); err != nil {
		util.LogWarning("[%s] %v", util.ShortID(id), err)
		l.remove(rec)
		return
	}

	if err := l.link.Send(signaling.NewAnnounce(l.self, id, l.name)); err != nil {
		util.LogWarning("[%s] announce reply: %v", util.ShortID(id), err)
		return
	}
	util.LogInfo("[%s] %q entered, waiting for their offer", util.ShortID(id), name)
}

// onMember handles a direct announce: a member answered our broadcast, so we
// initiate.
//
// If both sides entered at the same time, each holds an awaiting record for
// the other and receives the other's direct announce. The lower id then
// initiates and the higher id keeps waiting.
func (l *loop) onMember(id, name string) {
	if old, ok := l.peers[id]; ok {
		if old.neg.State() != peer.StateAwaitingOffer || l.self > id {
			util.LogDebug("[%s] duplicate announce in %s, ignoring", util.ShortID(id), old.neg.State())
			return
		}
		util.LogDebug("[%s] simultaneous entry, initiating", util.ShortID(id))
		l.remove(old)
	}

	rec, err := l.addRecord(id, name)
	if err != nil {
		util.LogWarning("[%s] %v", util.ShortID(id), err)
		return
	}

	offer, err := rec.neg.Initiate()
	if err != nil {
		util.LogWarning("[%s] %v", util.ShortID(id), err)
		l.remove(rec)
		return
	}
	if err := l.link.Send(signaling.NewDescription(l.self, id, offer)); err != nil {
		util.LogWarning("[%s] send offer: %v", util.ShortID(id), err)
		return
	}
	util.LogDebug("[%s] offer sent to %q", util.ShortID(id), name)
}

func (l *loop) onOffer(rec *record, offer webrtc.SessionDescription) {
	answer, err := rec.neg.AcceptOffer(offer)
	if err != nil {
		l.negotiationFailed(rec, err)
		return
	}
	if err := l.link.Send(signaling.NewDescription(l.self, rec.id, answer)); err != nil {
		util.LogWarning("[%s] send answer: %v", util.ShortID(rec.id), err)
		return
	}
	util.LogDebug("[%s] answer sent", util.ShortID(rec.id))
}

func (l *loop) onAnswer(rec *record, answer webrtc.SessionDescription) {
	from := rec.neg.State()
	if err := rec.neg.AcceptAnswer(answer); err != nil {
		l.negotiationFailed(rec, err)
		return
	}
	l.transition(rec, from, rec.neg.State())
}

// negotiationFailed logs err. The peer is only dropped if the failure left its
// negotiator unusable; a discarded out-of-order description changes nothing.
func (l *loop) negotiationFailed(rec *record, err error) {
	util.LogWarning("[%s] %v", util.ShortID(rec.id), err)
	if rec.neg.State().Terminal() {
		l.remove(rec)
	}
}

// ---------------------------------------------------------------------------
// Peer records
// ---------------------------------------------------------------------------

func (l *loop) addRecord(id, name string) (*record, error) {
	rec := &record{id: id, name: name}
	neg, err := peer.New(id, l.factory, func(ev peer.Event) {
		l.post(peerEvent{rec: rec, ev: ev})
	})
	if err != nil {
		return nil, err
	}
	rec.neg = neg
	l.peers[id] = rec
	return rec, nil
}

// remove closes rec and drops it from the table, reporting PeerLeft if it had
// joined.
func (l *loop) remove(rec *record) {
	if l.peers[rec.id] == rec {
		delete(l.peers, rec.id)
	}
	info := rec.info()
	if err := rec.neg.Close(); err != nil {
		util.LogDebug("[%s] close: %v", util.ShortID(rec.id), err)
	}
	if rec.joined {
		rec.joined = false
		util.Stats.RemovePeer()
		util.LogInfo("[%s] %q left (%s)", util.ShortID(rec.id), rec.name, info.State)
		l.obs.PeerLeft(info)
	}
}

func (l *loop) onPeerEvent(rec *record, ev peer.Event) {
	if l.peers[rec.id] != rec {
		return
	}

	switch ev.Kind {
	case peer.EventCandidate:
		if err := l.link.Send(signaling.NewCandidate(l.self, rec.id, ev.Candidate)); err != nil {
			util.LogWarning("[%s] send candidate: %v", util.ShortID(rec.id), err)
		}

	case peer.EventMessage:
		msg, err := chat.Decode(ev.Data)
		if err != nil {
			util.LogWarning("[%s] dropping message: %v", util.ShortID(rec.id), err)
			return
		}
		// A channel only speaks for the peer on the other end of it.
		if msg.SenderID != rec.id {
			util.LogWarning("[%s] dropping message claiming sender %s", util.ShortID(rec.id), util.ShortID(msg.SenderID))
			return
		}
		msg.DisplayName = rec.name
		util.Stats.AddRecv(len(ev.Data))
		l.obs.Message(msg)

	default:
		from, to := rec.neg.Handle(ev)
		l.transition(rec, from, to)
	}
}

func (l *loop) transition(rec *record, from, to peer.State) {
	if from == to {
		return
	}
	util.LogDebug("[%s] %s -> %s", util.ShortID(rec.id), from, to)

	switch {
	case to == peer.StateConnected && !rec.joined:
		rec.joined = true
		util.Stats.AddPeer()
		util.LogSuccess("[%s] connected to %q", util.ShortID(rec.id), rec.name)
		l.obs.PeerJoined(rec.info())
	case to.Terminal():
		l.remove(rec)
	}
}

// ---------------------------------------------------------------------------
// Chat fan-out
// ---------------------------------------------------------------------------

// broadcast reports the local message, then writes it to every connected
// peer. Peers that are not connected are skipped.
func (l *loop) broadcast(text string) (int, error) {
	msg := chat.NewText(l.self, l.name, text)
	data, err := chat.Encode(msg)
	if err != nil {
		return 0, err
	}
	l.obs.Message(msg)

	sent := 0
	var errs []error
	for id, rec := range l.peers {
		if rec.neg.State() != peer.StateConnected {
			continue
		}
		if err := rec.neg.Send(string(data)); err != nil {
			errs = append(errs, err)
			util.LogWarning("[%s] send: %v", util.ShortID(id), err)
			continue
		}
		util.Stats.AddSent(len(data))
		sent++
	}
	if sent > 0 || len(errs) == 0 {
		return sent, nil
	}
	return 0, errors.Join(errs...)
}

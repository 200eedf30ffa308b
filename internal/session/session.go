// Package session is the chat-facing façade over the mesh: it keeps the
// message log, the participant count and the last fatal error, and pushes a
// fresh State to subscribers on every change.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/meshchat/internal/chat"
	"github.com/1ureka/meshchat/internal/mesh"
	"github.com/1ureka/meshchat/internal/util"
)

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("empty message")

// Profile is what the local participant shows to others.
type Profile struct {
	Name   string
	Avatar string
}

// State is a snapshot of the session as seen by the UI.
type State struct {
	Messages         []chat.Message
	ParticipantCount int // connected peers plus self while entered, else 0
	Error            string
	Entered          bool
	Profile          Profile
}

// Session owns one Mesh and projects its notifications into State.
type Session struct {
	mesh *mesh.Mesh

	// notifyMu serializes update+notify so subscribers see states in order.
	notifyMu sync.Mutex

	mu      sync.Mutex
	state   State
	self    string
	subs    map[int]func(State)
	nextSub int
}

// New creates a session. cfg.Observer is replaced by the session itself.
func New(cfg mesh.Config) *Session {
	s := &Session{subs: make(map[int]func(State))}
	cfg.Observer = observer{s}
	s.mesh = mesh.New(cfg)
	return s
}

// Enter joins the room under a fresh identity. The message log starts empty.
func (s *Session) Enter(ctx context.Context, p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Avatar = strings.TrimSpace(p.Avatar)
	if p.Name == "" {
		return fmt.Errorf("%w: display name required", mesh.ErrSession)
	}

	id := uuid.NewString()

	// Entered before the mesh starts, so that notifications arriving right
	// after Enter land on the new log.
	err := s.tryUpdate(func(st *State) error {
		if st.Entered {
			return fmt.Errorf("%w: already entered", mesh.ErrSession)
		}
		*st = State{Entered: true, ParticipantCount: 1, Profile: p}
		s.self = id
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.mesh.Enter(ctx, id, p.Name); err != nil {
		s.update(func(st *State) {
			st.Entered = false
			st.ParticipantCount = 0
			st.Error = err.Error()
		})
		return err
	}

	util.LogDebug("session [%s] entered", util.ShortID(id))
	return nil
}

// Send broadcasts text to the room. The message appears in the local log even
// when no peer is connected.
func (s *Session) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	_, err := s.mesh.Send(text)
	return err
}

// Leave disconnects from every peer and the relay. The log is kept until the
// next Enter. Leaving twice is harmless.
func (s *Session) Leave() error {
	s.mu.Lock()
	entered := s.state.Entered
	s.mu.Unlock()

	// mesh.Leave waits for the loop, which may be calling the observer; no
	// session lock is held here.
	err := s.mesh.Leave()
	if !entered {
		return err
	}

	s.update(func(st *State) {
		st.Entered = false
		st.ParticipantCount = 0
	})
	return err
}

// ID returns the identity of the current (or last) Enter.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Subscribe registers fn and calls it right away with the current state.
// fn runs synchronously on whichever goroutine changed the state and must not
// call Enter, Send or Leave. The returned function unregisters fn.
func (s *Session) Subscribe(fn func(State)) func() {
	s.notifyMu.Lock()
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	st := s.snapshot()
	s.mu.Unlock()
	fn(st)
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// snapshot copies the state. Caller holds s.mu.
func (s *Session) snapshot() State {
	st := s.state
	st.Messages = slices.Clone(s.state.Messages)
	return st
}

// update applies fn to the state and notifies subscribers outside s.mu.
func (s *Session) update(fn func(st *State)) {
	s.tryUpdate(func(st *State) error {
		fn(st)
		return nil
	})
}

// tryUpdate is update for changes that may be refused. Nobody is notified
// when fn returns an error.
func (s *Session) tryUpdate(fn func(st *State) error) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if err := fn(&s.state); err != nil {
		s.mu.Unlock()
		return err
	}
	st := s.snapshot()
	subs := make([]func(State), 0, len(s.subs))
	for _, f := range s.subs {
		subs = append(subs, f)
	}
	s.mu.Unlock()

	for _, f := range subs {
		f(st)
	}
	return nil
}

// observer turns mesh notifications into state changes.
type observer struct{ s *Session }

func (o observer) Message(msg chat.Message) {
	o.s.update(func(st *State) {
		st.Messages = append(st.Messages, msg)
	})
}

func (o observer) PeerJoined(info mesh.PeerInfo) {
	o.s.update(func(st *State) {
		st.Messages = append(st.Messages, chat.Joined(info.ID, info.DisplayName))
		st.ParticipantCount++
	})
}

func (o observer) PeerLeft(info mesh.PeerInfo) {
	o.s.update(func(st *State) {
		st.Messages = append(st.Messages, chat.Left(info.ID, info.DisplayName))
		if st.ParticipantCount > 1 {
			st.ParticipantCount--
		}
	})
}

func (o observer) Failed(err error) {
	o.s.update(func(st *State) {
		st.Error = err.Error()
		st.Entered = false
		st.ParticipantCount = 0
	})
}

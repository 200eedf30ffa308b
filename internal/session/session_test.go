package session

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/meshchat/internal/chat"
	"github.com/1ureka/meshchat/internal/mesh"
	"github.com/1ureka/meshchat/internal/peer/peertest"
	"github.com/1ureka/meshchat/internal/relay"
	"github.com/1ureka/meshchat/internal/signaling"
)

// droppableLink is a relay link that accepts every send and can be cut.
type droppableLink struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newDroppableLink() *droppableLink { return &droppableLink{done: make(chan struct{})} }

func (l *droppableLink) Send(signaling.Envelope) error { return nil }
func (l *droppableLink) OnMessage(func(signaling.Envelope)) {}
func (l *droppableLink) Done() <-chan struct{} { return l.done }
func (l *droppableLink) Close() error { l.cut(nil); return nil }

func (l *droppableLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *droppableLink) cut(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

// offline returns a session whose relay accepts everything and delivers
// nothing. current returns the link of the latest Enter.
func offline(t *testing.T) (s *Session, current func() *droppableLink) {
	t.Helper()
	var mu sync.Mutex
	var link *droppableLink
	s = New(mesh.Config{
		NewConn: peertest.NewNetwork().Factory(),
		Dial: func(context.Context, string) (mesh.Link, error) {
			mu.Lock()
			defer mu.Unlock()
			link = newDroppableLink()
			return link, nil
		},
	})
	t.Cleanup(func() { s.Leave() })
	return s, func() *droppableLink {
		mu.Lock()
		defer mu.Unlock()
		return link
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func kinds(msgs []chat.Message) []chat.Kind {
	out := make([]chat.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

// ---------------------------------------------------------------------------
// Single session
// ---------------------------------------------------------------------------

func TestEnterValidation(t *testing.T) {
	s, _ := offline(t)

	if err := s.Enter(context.Background(), Profile{Name: "   "}); !errors.Is(err, mesh.ErrSession) {
		t.Fatalf("Enter with blank name = %v, want ErrSession", err)
	}
	if s.State().Entered {
		t.Fatal("entered with blank name")
	}

	if err := s.Enter(context.Background(), Profile{Name: " Alice ", Avatar: "a.png"}); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	st := s.State()
	if !st.Entered || st.ParticipantCount != 1 || st.Profile.Name != "Alice" {
		t.Fatalf("state after Enter = %+v", st)
	}
	if s.ID() == "" {
		t.Fatal("no identity generated")
	}

	if err := s.Enter(context.Background(), Profile{Name: "Alice"}); !errors.Is(err, mesh.ErrSession) {
		t.Fatalf("second Enter = %v, want ErrSession", err)
	}
}

func TestEnterDialFailure(t *testing.T) {
	dialErr := fmt.Errorf("%w: connection refused", signaling.ErrConnection)
	s := New(mesh.Config{
		NewConn: peertest.NewNetwork().Factory(),
		Dial:    func(context.Context, string) (mesh.Link, error) { return nil, dialErr },
	})

	err := s.Enter(context.Background(), Profile{Name: "Alice"})
	if !errors.Is(err, signaling.ErrConnection) {
		t.Fatalf("Enter = %v, want ErrConnection", err)
	}
	st := s.State()
	if st.Entered || st.ParticipantCount != 0 || st.Error == "" {
		t.Fatalf("state after failed Enter = %+v", st)
	}
}

func TestSendLocalOnly(t *testing.T) {
	s, _ := offline(t)

	if err := s.Send("hi"); !errors.Is(err, mesh.ErrSession) {
		t.Fatalf("Send before Enter = %v, want ErrSession", err)
	}

	s.Enter(context.Background(), Profile{Name: "Alice"})
	if err := s.Send(" \t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send blank = %v, want ErrEmptyMessage", err)
	}
	if err := s.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := s.State().Messages
	if len(msgs) != 1 || msgs[0].Text != "hello" || msgs[0].SenderID != s.ID() || msgs[0].DisplayName != "Alice" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestLeaveTwice(t *testing.T) {
	s, _ := offline(t)
	s.Enter(context.Background(), Profile{Name: "Alice"})
	s.Send("hello")

	if err := s.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	first := s.State()
	if err := s.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	second := s.State()

	if first.Entered || second.Entered || first.ParticipantCount != 0 || second.ParticipantCount != 0 {
		t.Fatalf("states after Leave: %+v / %+v", first, second)
	}
	if len(second.Messages) != 1 {
		t.Fatalf("log cleared by Leave: %d messages", len(second.Messages))
	}

	// The next Enter starts a new log under a new identity.
	old := s.ID()
	if err := s.Enter(context.Background(), Profile{Name: "Alice"}); err != nil {
		t.Fatalf("Enter after Leave: %v", err)
	}
	if s.ID() == old {
		t.Fatal("identity reused")
	}
	if !s.State().Entered {
		t.Fatal("not entered after second Enter")
	}
	if n := len(s.State().Messages); n != 0 {
		t.Fatalf("log not reset: %d messages", n)
	}
}

func TestRelayLossSurfacesError(t *testing.T) {
	s, current := offline(t)
	s.Enter(context.Background(), Profile{Name: "Alice"})

	current().cut(fmt.Errorf("%w: reset", signaling.ErrConnection))
	waitFor(t, "error state", func() bool { return !s.State().Entered })

	st := s.State()
	if !strings.Contains(st.Error, "relay connection error") || st.ParticipantCount != 0 {
		t.Fatalf("state after relay loss = %+v", st)
	}
}

func TestSubscribe(t *testing.T) {
	s, _ := offline(t)

	var mu sync.Mutex
	var seen []State
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	mu.Lock()
	if len(seen) != 1 || seen[0].Entered {
		t.Fatalf("initial notification = %+v", seen)
	}
	mu.Unlock()

	s.Enter(context.Background(), Profile{Name: "Alice"})
	s.Send("one")

	mu.Lock()
	last := seen[len(seen)-1]
	count := len(seen)
	mu.Unlock()
	if !last.Entered || len(last.Messages) != 1 {
		t.Fatalf("last notification = %+v", last)
	}

	unsubscribe()
	unsubscribe()
	s.Send("two")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != count {
		t.Fatalf("notified after unsubscribe: %d -> %d", count, len(seen))
	}
}

// ---------------------------------------------------------------------------
// Two sessions over the relay
// ---------------------------------------------------------------------------

func TestTwoSessionsChat(t *testing.T) {
	hub := relay.NewHub(relay.Options{Echo: true})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	net := peertest.NewNetwork()
	newSession := func(name string) *Session {
		s := New(mesh.Config{RelayURL: url, NewConn: net.Factory()})
		if err := s.Enter(context.Background(), Profile{Name: name}); err != nil {
			t.Fatalf("%s Enter: %v", name, err)
		}
		t.Cleanup(func() { s.Leave() })
		waitFor(t, name+" on relay", func() bool { return slices.Contains(hub.Participants(), s.ID()) })
		return s
	}

	alice := newSession("Alice")
	bob := newSession("Bob")

	waitFor(t, "both connected", func() bool {
		return alice.State().ParticipantCount == 2 && bob.State().ParticipantCount == 2
	})
	if got := kinds(alice.State().Messages); !slices.Equal(got, []chat.Kind{chat.KindJoined}) {
		t.Fatalf("alice log kinds = %v", got)
	}
	if msg := alice.State().Messages[0]; msg.Text != "Bob joined the chat" {
		t.Fatalf("joined notice = %q", msg.Text)
	}

	if err := bob.Send("hi alice"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "alice received", func() bool {
		msgs := alice.State().Messages
		return len(msgs) == 2 && msgs[1].Text == "hi alice" && msgs[1].DisplayName == "Bob"
	})

	bob.Leave()
	waitFor(t, "alice sees bob leave", func() bool { return alice.State().ParticipantCount == 1 })
	msgs := alice.State().Messages
	if last := msgs[len(msgs)-1]; last.Kind != chat.KindLeft || last.Text != "Bob left the chat" {
		t.Fatalf("last message = %+v", last)
	}
	if !alice.State().Entered {
		t.Fatal("alice left with bob")
	}
}

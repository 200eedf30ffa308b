package mesh

import (
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/1ureka/meshchat/internal/peer"
	"github.com/1ureka/meshchat/internal/peer/peertest"
	"github.com/1ureka/meshchat/internal/relay"
)

// participant is one mesh on the shared relay.
type participant struct {
	id   string
	mesh *Mesh
	obs  *recorder
}

func connectedTo(p *participant, ids ...string) func() bool {
	return func() bool {
		peers := p.mesh.Peers()
		if len(peers) != len(ids) {
			return false
		}
		for _, id := range ids {
			if peers[id] != peer.StateConnected {
				return false
			}
		}
		return true
	}
}

// startRelay serves a relay hub over httptest and returns its ws:// URL.
func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(relay.Options{})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// joinRelay enters id on the relay at url and waits until the hub bound it.
func joinRelay(t *testing.T, hub *relay.Hub, url string, factory peer.Factory, id string) *participant {
	t.Helper()
	p := &participant{id: id, obs: &recorder{}}
	p.mesh = New(Config{
		RelayURL: url,
		NewConn:  factory,
		Observer: p.obs,
	})
	if err := p.mesh.Enter(context.Background(), id, strings.ToUpper(id)); err != nil {
		t.Fatalf("%s Enter: %v", id, err)
	}
	t.Cleanup(func() { p.mesh.Leave() })
	waitFor(t, id+" bound on relay", func() bool { return slices.Contains(hub.Participants(), id) })
	return p
}

// TestThreeWayMesh runs three participants over the real relay hub and
// signaling links. Peer connections are in-memory.
func TestThreeWayMesh(t *testing.T) {
	hub, url := startRelay(t)
	net := peertest.NewNetwork()
	join := func(id string) *participant {
		t.Helper()
		return joinRelay(t, hub, url, net.Factory(), id)
	}

	a := join("a")
	if n := len(a.mesh.Peers()); n != 0 {
		t.Fatalf("a alone has %d peers", n)
	}

	b := join("b")
	waitFor(t, "a <-> b", func() bool { return connectedTo(a, "b")() && connectedTo(b, "a")() })

	c := join("c")
	waitFor(t, "full mesh", func() bool {
		return connectedTo(a, "b", "c")() && connectedTo(b, "a", "c")() && connectedTo(c, "a", "b")()
	})

	// Every participant saw two joins.
	for _, p := range []*participant{a, b, c} {
		if _, joined, _, _ := p.obs.counts(); joined != 2 {
			t.Errorf("%s saw %d joins, want 2", p.id, joined)
		}
	}

	// Fan-out from c reaches a and b.
	n, err := c.mesh.Send("hello mesh")
	if err != nil || n != 2 {
		t.Fatalf("Send = %d, %v, want 2 frames", n, err)
	}
	for _, p := range []*participant{a, b} {
		waitFor(t, p.id+" received", func() bool { return slices.Contains(p.obs.texts(), "hello mesh") })
	}

	// b leaves; the others drop it.
	if err := b.mesh.Leave(); err != nil {
		t.Fatalf("b Leave: %v", err)
	}
	waitFor(t, "b removed", func() bool { return connectedTo(a, "c")() && connectedTo(c, "a")() })
	for _, p := range []*participant{a, c} {
		if _, _, left, _ := p.obs.counts(); left != 1 {
			t.Errorf("%s saw %d leaves, want 1", p.id, left)
		}
	}
}

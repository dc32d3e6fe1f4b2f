package admin

import (
	"testing"
	"time"

	"github.com/REONTeam/mobilerelay/internal/peer"
)

func TestCountersSnapshotAccumulates(t *testing.T) {
	c := &Counters{}
	c.IncSessions()
	c.IncSessions()
	c.AddBytesIn(10)
	c.AddBytesIn(5)
	c.AddBytesOut(7)

	sessions, in, out := c.snapshot()
	if sessions != 2 {
		t.Fatalf("sessions = %d, want 2", sessions)
	}
	if in != 15 {
		t.Fatalf("bytesIn = %d, want 15", in)
	}
	if out != 7 {
		t.Fatalf("bytesOut = %d, want 7", out)
	}
}

func TestHubPublishBroadcastsToRegisteredClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 4)}
	hub.register <- client
	// Run()'s map insert happens just after the (unbuffered) register send
	// completes; give it a moment to land before publishing.
	time.Sleep(10 * time.Millisecond)

	ev := peer.Event{Kind: peer.EventConnected, Number: "0123456789"}
	hub.Publish(ev)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Fatalf("empty broadcast message")
		}
	case <-time.After(time.Second):
		t.Fatalf("client did not receive broadcast message")
	}
}

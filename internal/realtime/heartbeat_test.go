package realtime

import (
	"testing"

	"github.com/jonboulle/clockwork"
)

func TestSweepEvictsSilentConnections(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	monitor := NewHeartbeatMonitor(g, DefaultHeartbeatInterval).WithClock(clockwork.NewFakeClock())

	healthy := testConn("tenant-1", "alice")
	silent := testConn("tenant-1", "bob")
	handshake(t, g, healthy)
	handshake(t, g, silent)
	join(t, g, healthy, "tenant-1", "auc-1")
	join(t, g, silent, "tenant-1", "auc-1")
	expectEvent(t, healthy, EventParticipantCount)

	// First sweep flags everyone and sends pings. Nobody is evicted yet.
	monitor.Sweep()
	if g.registry.Count() != 2 {
		t.Fatalf("after first sweep: %d sessions, want 2", g.registry.Count())
	}

	// Only the healthy peer answers before the next sweep.
	healthy.isAlive.Store(true)

	monitor.Sweep()
	if g.registry.Count() != 1 {
		t.Fatalf("after second sweep: %d sessions, want 1", g.registry.Count())
	}
	if _, ok := g.registry.Remove(healthy.ID); !ok {
		t.Fatal("healthy connection was evicted")
	}

	// The eviction went through the normal disconnect path: the survivor
	// saw the decremented room count.
	count := decode[participantCountData](t, expectEvent(t, healthy, EventParticipantCount))
	if count.Count != 1 {
		t.Fatalf("room count after eviction = %d, want 1", count.Count)
	}
}

func TestSweepKeepsResponsivePeers(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	monitor := NewHeartbeatMonitor(g, DefaultHeartbeatInterval).WithClock(clockwork.NewFakeClock())

	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)

	for i := 0; i < 5; i++ {
		monitor.Sweep()
		// Pong arrives between sweeps.
		conn.isAlive.Store(true)
	}
	if g.registry.Count() != 1 {
		t.Fatalf("responsive peer was evicted after %d sessions", g.registry.Count())
	}
}

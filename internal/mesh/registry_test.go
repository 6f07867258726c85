package mesh

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestReachabilityComposition(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 0)

	if r.IsReachable("aa:bb") {
		t.Fatal("unknown device must not be reachable")
	}

	if !r.Observe("aa:bb", 2, time.Now()) {
		t.Fatal("expected relay advert to be recorded")
	}
	if !r.IsReachable("aa:bb") || r.IsDirectlyConnected("aa:bb") {
		t.Fatal("mesh entry must imply reachable but not direct")
	}
	if got := r.HopCount("aa:bb"); got != 2 {
		t.Fatalf("expected hop count 2, got %d", got)
	}

	// Direct supersedes relay: the mesh entry must disappear.
	r.SetDirect("aa:bb")
	if !r.IsDirectlyConnected("aa:bb") || !r.IsReachable("aa:bb") {
		t.Fatal("direct device must be reachable")
	}
	if got := r.HopCount("aa:bb"); got != 0 {
		t.Fatalf("direct device hop count must be 0, got %d", got)
	}
	if len(r.MeshDevices()) != 0 {
		t.Fatal("mesh entry must be removed when device becomes direct")
	}

	// While direct, adverts are ignored.
	if r.Observe("aa:bb", 3, time.Now()) {
		t.Fatal("advert for direct device must be ignored")
	}

	r.ClearDirect("aa:bb")
	if r.IsReachable("aa:bb") {
		t.Fatal("device with no link and no mesh entry must be unreachable")
	}
}

func TestObserveNormalizesAndBounds(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 4)

	// Hop 0 is reserved for direct links.
	if !r.Observe("aa:bb", 0, time.Now()) {
		t.Fatal("expected hop 0 advert to be accepted")
	}
	if got := r.HopCount("aa:bb"); got != 1 {
		t.Fatalf("expected hop 0 normalized to 1, got %d", got)
	}

	if r.Observe("cc:dd", 5, time.Now()) {
		t.Fatal("expected advert above max hops to be discarded")
	}
	if r.IsReachable("cc:dd") {
		t.Fatal("discarded advert must not grant reachability")
	}
}

func TestEvictStale(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 0)
	now := time.Now()

	r.Observe("old", 1, now.Add(-time.Minute))
	r.Observe("fresh", 1, now)

	removed := r.EvictStale(now.Add(-30 * time.Second))
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("expected only the stale entry evicted, got %v", removed)
	}
	if r.IsReachable("old") || !r.IsReachable("fresh") {
		t.Fatal("eviction touched the wrong entry")
	}
}

func TestRoleManagerForcedIsSticky(t *testing.T) {
	m := NewRoleManager(zaptest.NewLogger(t))

	if m.CurrentRole() != RoleNone {
		t.Fatalf("expected initial role none, got %s", m.CurrentRole())
	}

	if !m.SetRole(RoleClient) {
		t.Fatal("automatic role selection should apply")
	}
	if !m.ForceRole(RoleHost) {
		t.Fatal("force role should apply")
	}
	if !m.IsRoleForced() || m.ForcedRole() != RoleHost || m.CurrentRole() != RoleHost {
		t.Fatalf("forced role not reflected: current=%s forced=%s", m.CurrentRole(), m.ForcedRole())
	}

	// Automatic selection must not override a pinned role.
	if m.SetRole(RoleRelay) {
		t.Fatal("automatic selection overrode forced role")
	}
	if m.CurrentRole() != RoleHost {
		t.Fatalf("expected host to stick, got %s", m.CurrentRole())
	}

	m.ClearForcedRole()
	if m.IsRoleForced() {
		t.Fatal("forced flag must clear")
	}
	if !m.SetRole(RoleRelay) {
		t.Fatal("automatic selection should work after clear")
	}
}

func TestRoleManagerQueuesDuringHandshake(t *testing.T) {
	m := NewRoleManager(zaptest.NewLogger(t))

	m.BeginHandshake()
	if m.ForceRole(RoleRelay) {
		t.Fatal("role change mid-handshake must be queued, not applied")
	}
	if m.CurrentRole() != RoleNone {
		t.Fatalf("role changed mid-handshake: %s", m.CurrentRole())
	}

	m.EndHandshake()
	if m.CurrentRole() != RoleRelay || !m.IsRoleForced() {
		t.Fatalf("queued force not applied after handshake: current=%s forced=%v", m.CurrentRole(), m.IsRoleForced())
	}

	m.BeginHandshake()
	m.ClearForcedRole()
	if !m.IsRoleForced() {
		t.Fatal("clear mid-handshake must be deferred")
	}
	m.EndHandshake()
	if m.IsRoleForced() {
		t.Fatal("queued clear not applied after handshake")
	}
}

func TestRoleManagerRejectsInvalidRole(t *testing.T) {
	m := NewRoleManager(zaptest.NewLogger(t))
	if m.SetRole(Role("pirate")) || m.ForceRole(Role("pirate")) {
		t.Fatal("invalid role must be rejected")
	}
}

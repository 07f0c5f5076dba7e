package neighbor

import (
	"math"
	"testing"

	"github.com/qaul-go/meshcore/internal/types"
)

func peerID(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

func TestUpdateNodeAndIsNeighbor(t *testing.T) {
	table := New(nil)
	p := peerID(1)

	if m := table.IsNeighbor(p); m != types.ModuleNone {
		t.Fatalf("expected no module before any update, got %v", m)
	}

	table.UpdateNode(types.ModuleLan, p, 5000)
	table.UpdateNode(types.ModuleInternet, p, 1000)

	if m := table.IsNeighbor(p); m != types.ModuleInternet {
		t.Fatalf("expected lowest-rtt module internet, got %v", m)
	}
}

func TestUpdateNodeIgnoresModuleNone(t *testing.T) {
	table := New(nil)
	p := peerID(2)
	table.UpdateNode(types.ModuleNone, p, 10)
	if m := table.IsNeighbor(p); m != types.ModuleNone {
		t.Fatalf("a peer with module None must never be reported as a neighbor, got %v", m)
	}
}

func TestUpdateNodeClampsRTT(t *testing.T) {
	table := New(nil)
	p := peerID(3)
	table.UpdateNode(types.ModuleLan, p, math.MaxUint32+1000)
	entry, ok := table.Lookup(types.ModuleLan, p)
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.RTTMicros != math.MaxUint32 {
		t.Fatalf("expected rtt to saturate at uint32 max, got %d", entry.RTTMicros)
	}
}

func TestRemoveEvictsAcrossModules(t *testing.T) {
	table := New(nil)
	p := peerID(4)
	table.UpdateNode(types.ModuleLan, p, 100)
	table.UpdateNode(types.ModuleBle, p, 200)
	table.Remove(p)
	if m := table.IsNeighbor(p); m != types.ModuleNone {
		t.Fatalf("expected peer removed from all modules, got %v", m)
	}
}

func TestNeverReportsModuleWithoutPing(t *testing.T) {
	// For all sequences of UpdateNode calls, IsNeighbor never reports a
	// module for which no successful ping was observed.
	table := New(nil)
	p := peerID(5)
	table.UpdateNode(types.ModuleLan, p, 100)
	m := table.IsNeighbor(p)
	if m != types.ModuleLan {
		t.Fatalf("expected lan, got %v", m)
	}
	if _, ok := table.Lookup(types.ModuleInternet, p); ok {
		t.Fatal("peer must not appear under a module it was never pinged on")
	}
}

func TestEvictStale(t *testing.T) {
	table := New(nil)
	table.SetStaleAfter(0)
	p := peerID(6)
	table.UpdateNode(types.ModuleLan, p, 50)

	evicted := table.EvictStale()
	if len(evicted) != 1 || evicted[0] != p {
		t.Fatalf("expected peer to be evicted as stale, got %v", evicted)
	}
	if m := table.IsNeighbor(p); m != types.ModuleNone {
		t.Fatalf("expected no module after stale eviction, got %v", m)
	}
}

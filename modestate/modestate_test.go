package modestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"wgrouterd/wgerr"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	s := Open(t.TempDir())
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.LastMode != ModeHost {
		t.Errorf("expected fresh state to default to host mode, got %q", st.LastMode)
	}
	if st.PeerTableIDs == nil {
		t.Error("expected PeerTableIDs to be initialized, got nil")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)

	st := empty()
	st.LastMode = ModeRouter
	st.LanCidr = "192.168.1.0/24"
	peer := uuid.New()
	st.PeerTableIDs[peer] = 1042
	st.PeerLanAccess[peer] = true

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Open(dir).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.LastMode != ModeRouter || reloaded.LanCidr != "192.168.1.0/24" {
		t.Errorf("unexpected reloaded state: %+v", reloaded)
	}
	if reloaded.PeerTableIDs[peer] != 1042 {
		t.Errorf("expected table id 1042 for peer, got %d", reloaded.PeerTableIDs[peer])
	}
}

func TestLoadEmptyFileSelfHeals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}

	st, err := Open(dir).Load()
	if wgerr.KindOf(err) != wgerr.PersistenceCorrupt {
		t.Fatalf("expected PersistenceCorrupt, got %v", err)
	}
	if st.LastMode != ModeHost {
		t.Errorf("expected self-healed state to default to host mode, got %q", st.LastMode)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		t.Error("expected corrupt file to be deleted")
	}
}

func TestLoadCorruptJSONSelfHeals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	_, err := Open(dir).Load()
	if wgerr.KindOf(err) != wgerr.PersistenceCorrupt {
		t.Fatalf("expected PersistenceCorrupt, got %v", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		t.Error("expected corrupt file to be deleted")
	}
}

func TestReconcileAgainstPeersPrunesOrphans(t *testing.T) {
	st := empty()
	live := uuid.New()
	dead := uuid.New()
	st.PeerTableIDs[live] = 1000
	st.PeerTableIDs[dead] = 1001
	st.PeerLanAccess[dead] = true

	out := ReconcileAgainstPeers(st, map[uuid.UUID]struct{}{live: {}})
	if _, ok := out.PeerTableIDs[dead]; ok {
		t.Error("expected orphaned peer's table id to be pruned")
	}
	if _, ok := out.PeerTableIDs[live]; !ok {
		t.Error("expected live peer's table id to survive reconciliation")
	}
	if _, ok := out.PeerLanAccess[dead]; ok {
		t.Error("expected orphaned peer's lan access entry to be pruned")
	}
}

func TestReconcileAgainstPeersFreshStartWhenNoneMatch(t *testing.T) {
	st := empty()
	st.PeerTableIDs[uuid.New()] = 1000

	out := ReconcileAgainstPeers(st, map[uuid.UUID]struct{}{})
	if len(out.PeerTableIDs) != 0 {
		t.Errorf("expected fresh-start reset when no persisted peer matches, got %+v", out.PeerTableIDs)
	}
	if out.LastMode != ModeHost {
		t.Errorf("expected fresh-start to reset to host mode, got %q", out.LastMode)
	}
}

// Package modestate is the C2 persisted mode store: router_mode_state.json
// under a process-wide mutex plus an advisory file lock, written via
// write-temp+rename. Its lock (B) is always acquired after configstore's
// Config lock (A), never before — see configstore.Store.Mutate's doc
// comment for the matching half of that ordering.
package modestate

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"wgrouterd/wgerr"
)

const fileName = "router_mode_state.json"

// Mode mirrors configstore.RouterMode without importing configstore, to
// keep the persistence layer dependency-free of the config layer.
type Mode string

const (
	ModeHost   Mode = "host"
	ModeRouter Mode = "router"
)

// PrefixState records which peer currently owns a prefix (only
// "0.0.0.0/0" in practice) and who else could take over.
type PrefixState struct {
	ActivePeerID   uuid.UUID   `json:"active_peer_id"`
	BackupPeerIDs  []uuid.UUID `json:"backup_peer_ids,omitempty"`
}

// ModeState is the full persisted runtime-truth shape (spec.md's
// ModeState). Zero value is the fresh-start state: Host, no tables, no
// exit node.
type ModeState struct {
	LastMode               Mode                         `json:"last_mode"`
	LanCidr                string                       `json:"lan_cidr,omitempty"`
	PeerTableIDs           map[uuid.UUID]uint32          `json:"peer_table_ids,omitempty"`
	PrefixActiveBackup     map[netip.Prefix]PrefixState  `json:"prefix_active_backup,omitempty"`
	PeerFirstHandshake     map[uuid.UUID]time.Time       `json:"peer_first_handshake,omitempty"`
	PeerLastOnlineState    map[uuid.UUID]bool            `json:"peer_last_online_state,omitempty"`
	PeerLastSuccessfulPing map[uuid.UUID]time.Time       `json:"peer_last_successful_ping,omitempty"`
	PeerLanAccess          map[uuid.UUID]bool            `json:"peer_lan_access,omitempty"`
	AutoFailover           bool                         `json:"auto_failover"`
	PrimaryExitNode        *uuid.UUID                   `json:"primary_exit_node,omitempty"`
	PrimaryOnlineSince     *time.Time                   `json:"primary_online_since,omitempty"`
}

// Empty returns a fresh Host-mode state with no tables or exit node —
// what the mode controller persists on Router→Host and what a missing
// or corrupt state file resolves to.
func Empty() *ModeState {
	return empty()
}

func empty() *ModeState {
	return &ModeState{
		LastMode:               ModeHost,
		PeerTableIDs:           make(map[uuid.UUID]uint32),
		PrefixActiveBackup:     make(map[netip.Prefix]PrefixState),
		PeerFirstHandshake:     make(map[uuid.UUID]time.Time),
		PeerLastOnlineState:    make(map[uuid.UUID]bool),
		PeerLastSuccessfulPing: make(map[uuid.UUID]time.Time),
		PeerLanAccess:          make(map[uuid.UUID]bool),
	}
}

// Store owns router_mode_state.json. A sync.Mutex serializes in-process
// access (B), and an advisory flock on a sidecar ".lock" file guards
// against a second wgrouterd process racing the same data directory —
// belt-and-suspenders over the single-process-by-design assumption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Store bound to dir. It does not read the file yet;
// call Load for that (self-healing happens there).
func Open(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string { return filepath.Join(s.dir, fileName) }
func (s *Store) lockPath() string { return filepath.Join(s.dir, fileName+".lock") }

// Load reads and parses the state file. A missing file yields a fresh
// empty state (Host mode, no tables) with no error. An empty or
// unparseable file is the self-heal case (spec.md scenario 6): it is
// deleted and a fresh empty state is returned, with a PersistenceCorrupt
// error describing what happened so the caller can log it — this is
// advisory, not fatal; callers should proceed as if the load succeeded.
func (s *Store) Load() (*ModeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return empty(), nil
		}
		return nil, wgerr.Wrap(wgerr.External, "read mode state file", err)
	}

	if len(data) == 0 {
		os.Remove(s.path())
		return empty(), wgerr.New(wgerr.PersistenceCorrupt, "mode state file was empty; reset to fresh state")
	}

	var st ModeState
	if err := json.Unmarshal(data, &st); err != nil {
		os.Remove(s.path())
		return empty(), wgerr.Wrap(wgerr.PersistenceCorrupt, "mode state file was unparseable; reset to fresh state", err)
	}
	fillNilMaps(&st)
	return &st, nil
}

// Save persists st via write-temp+fsync+rename under an advisory
// cross-process file lock.
func (s *Store) Save(st *ModeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return wgerr.Wrap(wgerr.External, "create mode state dir", err)
	}

	unlock, err := s.flock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return wgerr.Wrap(wgerr.External, "marshal mode state", err)
	}

	path := s.path()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wgerr.Wrap(wgerr.External, "create temp mode state file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "write temp mode state file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "fsync temp mode state file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "close temp mode state file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return wgerr.Wrap(wgerr.External, "rename mode state file into place", err)
	}
	return nil
}

// flock takes an advisory exclusive lock on a sidecar file and returns
// a function to release it.
func (s *Store) flock() (func(), error) {
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wgerr.Wrap(wgerr.External, "open mode state lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, wgerr.Wrap(wgerr.External, "acquire mode state file lock", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func fillNilMaps(st *ModeState) {
	if st.PeerTableIDs == nil {
		st.PeerTableIDs = make(map[uuid.UUID]uint32)
	}
	if st.PrefixActiveBackup == nil {
		st.PrefixActiveBackup = make(map[netip.Prefix]PrefixState)
	}
	if st.PeerFirstHandshake == nil {
		st.PeerFirstHandshake = make(map[uuid.UUID]time.Time)
	}
	if st.PeerLastOnlineState == nil {
		st.PeerLastOnlineState = make(map[uuid.UUID]bool)
	}
	if st.PeerLastSuccessfulPing == nil {
		st.PeerLastSuccessfulPing = make(map[uuid.UUID]time.Time)
	}
	if st.PeerLanAccess == nil {
		st.PeerLanAccess = make(map[uuid.UUID]bool)
	}
}

// ReconcileAgainstPeers prunes every per-peer entry whose ID is not in
// live, per spec.md's startup-restoration pruning step. If no entry in
// st references a peer still present in live, the whole state is
// considered stale (fresh-start detection) and a new empty ModeState is
// returned instead.
func ReconcileAgainstPeers(st *ModeState, live map[uuid.UUID]struct{}) *ModeState {
	anyLive := false
	for id := range st.PeerTableIDs {
		if _, ok := live[id]; ok {
			anyLive = true
			break
		}
	}
	if !anyLive && len(st.PeerTableIDs) > 0 {
		return empty()
	}

	for id := range st.PeerTableIDs {
		if _, ok := live[id]; !ok {
			delete(st.PeerTableIDs, id)
			delete(st.PeerFirstHandshake, id)
			delete(st.PeerLastOnlineState, id)
			delete(st.PeerLastSuccessfulPing, id)
			delete(st.PeerLanAccess, id)
		}
	}
	for prefix, ps := range st.PrefixActiveBackup {
		if _, ok := live[ps.ActivePeerID]; !ok {
			delete(st.PrefixActiveBackup, prefix)
			continue
		}
		var kept []uuid.UUID
		for _, b := range ps.BackupPeerIDs {
			if _, ok := live[b]; ok {
				kept = append(kept, b)
			}
		}
		ps.BackupPeerIDs = kept
		st.PrefixActiveBackup[prefix] = ps
	}
	if st.PrimaryExitNode != nil {
		if _, ok := live[*st.PrimaryExitNode]; !ok {
			st.PrimaryExitNode = nil
			st.PrimaryOnlineSince = nil
		}
	}
	return st
}

// Package configstore is the C4 file store: an in-memory Config cached
// under a RWMutex and serialized to/from conf.yml via write-temp+rename.
// Its write lock (A) is always acquired before modestate's lock (B),
// never the reverse — see mode package for the matching half of that
// ordering.
package configstore

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"wgrouterd/internal/buildinfo"
	"wgrouterd/network"
	"wgrouterd/wgerr"
)

const fileName = "conf.yml"

// RouterMode is the agent's persisted mode intent (Config.agent.router.mode).
type RouterMode string

const (
	ModeHost   RouterMode = "host"
	ModeRouter RouterMode = "router"
)

// WebHTTP describes the plain HTTP listener.
type WebHTTP struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebHTTPS describes the TLS listener and its key material paths.
type WebHTTPS struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	CertPath string `yaml:"cert_path,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// WebPassword gates the bearer-token login endpoint.
type WebPassword struct {
	Enabled    bool   `yaml:"enabled"`
	Argon2Hash string `yaml:"argon2_hash,omitempty"`
}

// Web groups the HTTP API's listener and auth configuration.
type Web struct {
	Address  string      `yaml:"address"`
	HTTP     WebHTTP     `yaml:"http"`
	HTTPS    WebHTTPS    `yaml:"https"`
	Password WebPassword `yaml:"password"`
}

// VPN controls the WireGuard listen port.
type VPN struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Firewall controls the iptables utility path and the gateway interface
// the firewall manager (C5) targets.
type Firewall struct {
	Enabled     bool   `yaml:"enabled"`
	UtilityPath string `yaml:"utility_path,omitempty"` // defaults to "iptables" in Open
	Gateway     string `yaml:"gateway,omitempty"`       // interface name override
}

// Router holds the mode controller's (C8) persisted intent.
type Router struct {
	Mode    RouterMode `yaml:"mode"`
	LanCidr string     `yaml:"lan_cidr,omitempty"` // comma-separated IPv4 CIDRs
}

// Agent groups every agent-level (non-network) setting.
type Agent struct {
	Web      Web      `yaml:"web"`
	VPN      VPN      `yaml:"vpn"`
	Firewall Firewall `yaml:"firewall"`
	Router   Router   `yaml:"router"`
}

// Config is the full persisted shape: agent settings plus the network
// model, stamped with the writing process's version.
type Config struct {
	Version string          `yaml:"version"`
	Agent   Agent           `yaml:"agent"`
	Network *network.Network `yaml:"network"`
}

// LanCIDRs parses Agent.Router.LanCidr into individual prefixes.
func (c *Config) LanCIDRs() ([]netip.Prefix, error) {
	return network.ValidateCIDRList("agent.router.lan_cidr", c.Agent.Router.LanCidr)
}

// Store caches a Config in memory under a RWMutex, mirroring it to disk
// at <dir>/conf.yml via a temp-file-then-rename write. Grounded on the
// teacher's config.Load/Save pair, generalized from the CLI-context
// Config shape to the agent+network shape.
type Store struct {
	dir string

	mu  sync.RWMutex
	cfg *Config
}

// Open loads dir/conf.yml into the cache. If the file does not exist, a
// fresh Config wrapping an empty network is seeded (first-run path);
// the caller is expected to drive the init flow and call Save.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}
	path := filepath.Join(dir, fileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.cfg = &Config{Version: buildinfo.Version}
			return s, nil
		}
		return nil, wgerr.Wrap(wgerr.External, "read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, wgerr.Wrap(wgerr.PersistenceCorrupt, "parse config file", err)
	}
	if cfg.Version != buildinfo.Version {
		slog.Warn("config file version differs from running binary", "file_version", cfg.Version, "binary_version", buildinfo.Version)
	}
	if cfg.Agent.Firewall.UtilityPath == "" {
		cfg.Agent.Firewall.UtilityPath = "iptables"
	}
	s.cfg = &cfg
	return s, nil
}

// Get returns a snapshot (shallow struct copy, deep network clone) of
// the cached Config, safe to read without holding any lock afterward.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	if s.cfg.Network != nil {
		cp.Network = s.cfg.Network.Clone()
	}
	return &cp
}

// Network returns a deep clone of the cached network model, or nil if
// none has been set yet.
func (s *Store) Network() *network.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Network == nil {
		return nil
	}
	return s.cfg.Network.Clone()
}

// Mutate runs fn against a deep clone of the cached Config while
// holding the write lock for the duration, then — if fn returns true —
// swaps the clone in as the new cached value and persists it to disk.
// fn's return value is (changed, error); on error or changed=false, the
// cache and file are left untouched. This is C4's write lock (A): the
// caller must not attempt to acquire modestate's lock (B) from outside
// fn and release A first — A→B is the only permitted order.
func (s *Store) Mutate(fn func(*Config) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.cfg
	if s.cfg.Network != nil {
		cp.Network = s.cfg.Network.Clone()
	}

	changed, err := fn(&cp)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	cp.Version = buildinfo.Version
	if err := s.writeLocked(&cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func (s *Store) writeLocked(cfg *Config) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return wgerr.Wrap(wgerr.External, "create config dir", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return wgerr.Wrap(wgerr.External, "marshal config", err)
	}
	path := filepath.Join(s.dir, fileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wgerr.Wrap(wgerr.External, "create temp config file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "write temp config file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "fsync temp config file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wgerr.Wrap(wgerr.External, "close temp config file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return wgerr.Wrap(wgerr.External, "rename config file into place", err)
	}
	return nil
}

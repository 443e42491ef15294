package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/chtangwin/nanobot/pkg/nberrors"
)

// DefaultConfigDirEnv is the single env var the core recognizes, per §6.
const DefaultConfigDirEnv = "NANOBOT_CONFIG_DIR"

// DefaultPath resolves $NANOBOT_CONFIG_DIR/hosts.json, falling back to
// $HOME/.nanobot/hosts.json.
func DefaultPath() (string, error) {
	if dir := os.Getenv(DefaultConfigDirEnv); dir != "" {
		return filepath.Join(dir, "hosts.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".nanobot", "hosts.json"), nil
}

// Store owns the single persisted document. Callers (the Fleet Manager)
// are responsible for serializing mutating operations; Store itself only
// guards its in-memory map against concurrent reads during a save.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  *Document
	log  *slog.Logger
}

// Load reads path, creating an empty document (and persisting it) if the
// file is absent or empty, per spec §4.1.
func Load(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, doc: newDocument(), log: log}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, s.saveLocked()
		}
		return nil, nberrors.New(nberrors.KindConfiguration, "registry.Load", "", err)
	}
	if info.Size() == 0 {
		return s, s.saveLocked()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nberrors.New(nberrors.KindConfiguration, "registry.Load", "", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nberrors.New(nberrors.KindConfiguration, "registry.Load", "", fmt.Errorf("invalid registry document: %w", err))
	}
	if doc.Hosts == nil {
		doc.Hosts = make(map[string]*HostConfig)
	}
	for name, hc := range doc.Hosts {
		hc.Name = name
		hc.applyDefaults()
	}
	s.doc = &doc
	return s, nil
}

// Save writes the whole document atomically (write to a temp file in the
// same directory, then rename), matching the "document granularity" rule.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nberrors.New(nberrors.KindResource, "registry.Save", "", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return nberrors.New(nberrors.KindConfiguration, "registry.Save", "", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nberrors.New(nberrors.KindResource, "registry.Save", "", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return nberrors.New(nberrors.KindResource, "registry.Save", "", err)
	}
	return nil
}

// Add inserts or replaces a host config by name and persists.
func (s *Store) Add(hc *HostConfig) error {
	s.mu.Lock()
	hc.applyDefaults()
	s.doc.Hosts[hc.Name] = hc
	s.mu.Unlock()
	return s.Save()
}

// Remove drops a host by name and persists.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	delete(s.doc.Hosts, name)
	s.mu.Unlock()
	return s.Save()
}

// Get returns a copy of the named host config, or nil if unknown.
func (s *Store) Get(name string) *HostConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hc, ok := s.doc.Hosts[name]
	if !ok {
		return nil
	}
	cp := *hc
	if hc.ActiveSession != nil {
		sess := *hc.ActiveSession
		cp.ActiveSession = &sess
	}
	return &cp
}

// List returns all host configs, sorted by name for stable output.
func (s *Store) List() []*HostConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*HostConfig, 0, len(s.doc.Hosts))
	for _, hc := range s.doc.Hosts {
		cp := *hc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetActiveSession records (or clears, with nil) the session snapshot for
// name and persists.
func (s *Store) SetActiveSession(name string, sess *ActiveSession) error {
	s.mu.Lock()
	hc, ok := s.doc.Hosts[name]
	if !ok {
		s.mu.Unlock()
		return nberrors.New(nberrors.KindConfiguration, "registry.SetActiveSession", name, fmt.Errorf("unknown host %q", name))
	}
	hc.ActiveSession = sess
	s.mu.Unlock()
	return s.Save()
}

package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/watchd/internal/svcfields"
)

// Resolver resolves identities from a transport identity hint or from an
// Authorization header value. Absence is reported via the bool, never as an
// error; invalid credentials are indistinguishable from unknown ones.
type Resolver interface {
	ResolveIdentity(hint string) (*Identity, bool)
	ResolveHTTPHeader(header string) (*Identity, bool)
}

// userSpec is one entry of the credential file.
type userSpec struct {
	Name        string   `yaml:"name"`
	Password    string   `yaml:"password"`
	ClientCN    string   `yaml:"client_cn,omitempty"`
	Permissions []string `yaml:"permissions"`
}

type credentialFile struct {
	Users []userSpec `yaml:"users"`
}

type userRecord struct {
	identity *Identity
	password string
}

// Store is a YAML-file-backed Resolver with optional hot reload.
type Store struct {
	logger pslog.Logger
	path   string

	mu     sync.RWMutex
	byName map[string]*userRecord
	byCN   map[string]*Identity

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewStore loads the credential file at path. An empty path yields a store
// with no users (every resolution fails).
func NewStore(path string, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{
		logger: svcfields.WithSubsystem(logger, "api.auth.store"),
		path:   path,
		byName: make(map[string]*userRecord),
		byCN:   make(map[string]*Identity),
	}
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Reload re-reads the credential file and atomically swaps the user set.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read credential file %q: %w", s.path, err)
	}
	var file credentialFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse credential file %q: %w", s.path, err)
	}
	byName := make(map[string]*userRecord, len(file.Users))
	byCN := make(map[string]*Identity, len(file.Users))
	for _, spec := range file.Users {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return fmt.Errorf("credential file %q: user with empty name", s.path)
		}
		if _, exists := byName[name]; exists {
			return fmt.Errorf("credential file %q: duplicate user %q", s.path, name)
		}
		identity := &Identity{Name: name, Permissions: append([]string(nil), spec.Permissions...)}
		byName[name] = &userRecord{identity: identity, password: spec.Password}
		if cn := strings.TrimSpace(spec.ClientCN); cn != "" {
			byCN[cn] = identity
		}
	}
	s.mu.Lock()
	s.byName = byName
	s.byCN = byCN
	s.mu.Unlock()
	s.logger.Info("watchd.auth.loaded", "path", s.path, "users", len(byName))
	return nil
}

// Watch starts watching the credential file for changes until Close. Edits
// are picked up without restarting; a broken edit keeps the previous set.
func (s *Store) Watch() error {
	if s.path == "" || s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than rewrite them.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher
	s.stop = make(chan struct{})
	s.stopped.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	defer s.stopped.Done()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("watchd.auth.reload_failed", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watchd.auth.watch_error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	err := s.watcher.Close()
	s.stopped.Wait()
	s.watcher = nil
	return err
}

// ResolveIdentity resolves the identity bound to a verified client
// certificate common name.
func (s *Store) ResolveIdentity(hint string) (*Identity, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byCN[hint]
	return identity, ok
}

// ResolveHTTPHeader resolves an identity from an Authorization header value.
// Only the Basic scheme is supported.
func (s *Store) ResolveHTTPHeader(header string) (*Identity, bool) {
	user, password, ok := ParseBasicHeader(header)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	record, found := s.byName[user]
	s.mu.RUnlock()
	if !found || record.password == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(record.password), []byte(password)) != 1 {
		return nil, false
	}
	return record.identity, true
}

// ParseBasicHeader decodes an HTTP Basic Authorization header value into its
// username and password parts.
func ParseBasicHeader(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok || user == "" {
		return "", "", false
	}
	return user, password, true
}

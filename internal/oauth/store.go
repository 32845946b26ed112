package oauth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// DefaultRetention is how long unused store entries are kept before the
// periodic sweep deletes them.
const DefaultRetention = 90 * 24 * time.Hour

// Entry is everything persisted for one server, keyed by base URL.
type Entry struct {
	Tokens       *Tokens   `json:"tokens,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists tokens and client registrations encrypted on disk. The
// symmetric key lives next to the store file; OS-native secure storage is an
// external collaborator that, when available, should hold that key instead.
type Store struct {
	mu   sync.Mutex
	path string
	key  [32]byte
	data map[string]*Entry
}

// OpenStore loads (or creates) the encrypted store at path. The cipher key is
// read from path+".key", generated on first use.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: make(map[string]*Entry),
	}
	if err := s.loadKey(path + ".key"); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadKey(keyPath string) error {
	if raw, err := os.ReadFile(keyPath); err == nil && len(raw) == 32 {
		copy(s.key[:], raw)
		return nil
	}
	if _, err := rand.Read(s.key[:]); err != nil {
		return fmt.Errorf("failed to generate store key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, s.key[:], 0o600)
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) < 24 {
		// Unreadable store starts over; tokens are re-obtainable.
		return nil
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil
	}
	var data map[string]*Entry
	if json.Unmarshal(plain, &data) == nil && data != nil {
		s.data = data
	}
	return nil
}

// save writes the encrypted store, best-effort. Called with mu held.
func (s *Store) save() {
	plain, err := json.Marshal(s.data)
	if err != nil {
		return
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	_ = os.MkdirAll(filepath.Dir(s.path), 0o700)
	_ = os.WriteFile(s.path, sealed, 0o600)
}

// Entry returns a copy of the entry for a server base URL, or nil.
func (s *Store) Entry(baseURL string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[baseURL]
	if !ok {
		return nil
	}
	cp := *e
	if e.Tokens != nil {
		tok := *e.Tokens
		cp.Tokens = &tok
	}
	return &cp
}

// SetTokens stores (or clears, when tokens is nil) a server's tokens.
func (s *Store) SetTokens(baseURL string, tokens *Tokens) {
	s.mu.Lock()
	e, ok := s.data[baseURL]
	if !ok {
		e = &Entry{}
		s.data[baseURL] = e
	}
	e.Tokens = tokens
	e.UpdatedAt = time.Now()
	s.save()
	s.mu.Unlock()
}

// SetClient stores a server's registered client credentials.
func (s *Store) SetClient(baseURL, clientID, clientSecret string) {
	s.mu.Lock()
	e, ok := s.data[baseURL]
	if !ok {
		e = &Entry{}
		s.data[baseURL] = e
	}
	e.ClientID = clientID
	e.ClientSecret = clientSecret
	e.UpdatedAt = time.Now()
	s.save()
	s.mu.Unlock()
}

// Sweep deletes entries older than the retention window and strips expired
// tokens that have no refresh token. Intended to run periodically.
func (s *Store) Sweep(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-retention)
	for key, e := range s.data {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.data, key)
			removed++
			continue
		}
		if e.Tokens != nil && !e.Tokens.Valid() && e.Tokens.RefreshToken == "" {
			e.Tokens = nil
			removed++
		}
	}
	if removed > 0 {
		s.save()
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (s *Store) StartSweeper(interval, retention time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(retention)
			case <-stop:
				return
			}
		}
	}()
}

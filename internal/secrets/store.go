package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BlobFile is the filename of the encrypted secret blob.
const BlobFile = "secrets.enc"

// ErrSecretNotFound is returned when no secret exists for a (kind, provider).
var ErrSecretNotFound = errors.New("secret not found")

// entry is one stored secret: ciphertext plus cleartext metadata.
type entry struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func blobKey(kind Kind, provider Provider) string {
	return string(kind) + "/" + string(provider)
}

// FileStore persists secrets as a single JSON blob of encrypted entries.
// Writes are serialized through one mutex; reads go through an atomic
// immutable snapshot and never block writers.
type FileStore struct {
	path string
	key  []byte

	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]entry]
}

// NewFileStore opens (or initializes) the blob at <secretsDir>/secrets.enc,
// encrypting values with the provider's key.
func NewFileStore(secretsDir string, keys *KeyProvider) (*FileStore, error) {
	if err := os.MkdirAll(secretsDir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}

	s := &FileStore{
		path: filepath.Join(secretsDir, BlobFile),
		key:  keys.Key(),
	}

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(&entries)
	return s, nil
}

func (s *FileStore) load() (map[string]entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret blob: %w", err)
	}

	var entries map[string]entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse secret blob: %w", err)
	}
	return entries, nil
}

// persist writes the blob atomically: temp file in the same directory, then
// rename over the old blob.
func (s *FileStore) persist(entries map[string]entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secret blob: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write secret blob: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace secret blob: %w", err)
	}
	return nil
}

// Save encrypts and stores a secret, replacing any previous value for the
// same (kind, provider).
func (s *FileStore) Save(kind Kind, provider Provider, plaintext string, meta Metadata) error {
	ciphertext, nonce, err := Encrypt([]byte(plaintext), s.key)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := *s.snapshot.Load()
	next := make(map[string]entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	now := time.Now().UTC()
	e := entry{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, ok := old[blobKey(kind, provider)]; ok {
		e.CreatedAt = prev.CreatedAt
	}
	next[blobKey(kind, provider)] = e

	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(&next)
	return nil
}

// Delete removes the secret for (kind, provider). Deleting a missing secret
// returns ErrSecretNotFound.
func (s *FileStore) Delete(kind Kind, provider Provider) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := *s.snapshot.Load()
	if _, ok := old[blobKey(kind, provider)]; !ok {
		return ErrSecretNotFound
	}

	next := make(map[string]entry, len(old))
	for k, v := range old {
		if k != blobKey(kind, provider) {
			next[k] = v
		}
	}

	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(&next)
	return nil
}

// Plaintext decrypts and returns the stored value.
func (s *FileStore) Plaintext(kind Kind, provider Provider) (string, error) {
	entries := *s.snapshot.Load()
	e, ok := entries[blobKey(kind, provider)]
	if !ok {
		return "", ErrSecretNotFound
	}

	plaintext, err := Decrypt(e.Ciphertext, e.Nonce, s.key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Status returns the secret's metadata without touching the ciphertext.
// A missing secret yields Configured=false, not an error.
func (s *FileStore) Status(kind Kind, provider Provider) Status {
	entries := *s.snapshot.Load()
	e, ok := entries[blobKey(kind, provider)]
	if !ok {
		return Status{Kind: kind, Provider: provider}
	}
	return Status{
		Kind:       kind,
		Provider:   provider,
		Configured: true,
		Metadata:   e.Metadata,
		UpdatedAt:  e.UpdatedAt,
	}
}

// List returns the status of every stored secret, ordered by kind then
// provider for stable output.
func (s *FileStore) List() []Status {
	entries := *s.snapshot.Load()
	statuses := make([]Status, 0, len(entries))
	for k, e := range entries {
		kind, provider, ok := splitBlobKey(k)
		if !ok {
			continue
		}
		statuses = append(statuses, Status{
			Kind:       kind,
			Provider:   provider,
			Configured: true,
			Metadata:   e.Metadata,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Kind != statuses[j].Kind {
			return statuses[i].Kind < statuses[j].Kind
		}
		return statuses[i].Provider < statuses[j].Provider
	})
	return statuses
}

func splitBlobKey(k string) (Kind, Provider, bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return Kind(k[:i]), Provider(k[i+1:]), true
		}
	}
	return "", "", false
}

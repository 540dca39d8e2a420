package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey   = errors.New("invalid api key")
	ErrDuplicateKey = errors.New("api key name already registered")
	ErrKeyNotFound  = errors.New("api key not found")
	// ErrLastKey refuses to revoke the only key, which would switch authentication off
	ErrLastKey = errors.New("cannot revoke the last api key")
)

// KeyInfo describes one registered API key. Only the bcrypt hash is kept.
type KeyInfo struct {
	Name      string
	Hash      []byte
	CreatedAt time.Time
}

// KeyStore validates the gateway API keys
type KeyStore struct {
	keys map[string]*KeyInfo // name -> info
	// digests of keys that already passed bcrypt, so each request is not a full bcrypt round
	verified map[[sha256.Size]byte]string
	cost     int
	mu       sync.RWMutex
}

// NewKeyStore creates an empty key store. cost <= 0 uses bcrypt.DefaultCost.
func NewKeyStore(cost int) *KeyStore {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &KeyStore{
		keys:     make(map[string]*KeyInfo),
		verified: make(map[[sha256.Size]byte]string),
		cost:     cost,
	}
}

// Add registers a key under name
func (ks *KeyStore) Add(name, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key for %s", ErrInvalidKey, name)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), ks.cost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, name)
	}
	ks.keys[name] = &KeyInfo{Name: name, Hash: hash, CreatedAt: time.Now()}
	return nil
}

// Generate creates, registers and returns a random key
func (ks *KeyStore) Generate(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: key name is required", ErrInvalidKey)
	}
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key := base64.URLEncoding.EncodeToString(keyBytes)
	if err := ks.Add(name, key); err != nil {
		return "", err
	}
	return key, nil
}

// Validate returns the name of the key that matches
func (ks *KeyStore) Validate(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	digest := sha256.Sum256([]byte(key))

	ks.mu.RLock()
	if name, ok := ks.verified[digest]; ok {
		if _, live := ks.keys[name]; live {
			ks.mu.RUnlock()
			return name, nil
		}
	}
	infos := make([]*KeyInfo, 0, len(ks.keys))
	for _, info := range ks.keys {
		infos = append(infos, info)
	}
	ks.mu.RUnlock()

	for _, info := range infos {
		if bcrypt.CompareHashAndPassword(info.Hash, []byte(key)) == nil {
			ks.mu.Lock()
			ks.verified[digest] = info.Name
			ks.mu.Unlock()
			return info.Name, nil
		}
	}
	return "", ErrInvalidKey
}

// Revoke removes a key. Cached verifications for it are dropped too.
func (ks *KeyStore) Revoke(name string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if len(ks.keys) == 1 {
		return ErrLastKey
	}
	delete(ks.keys, name)
	for digest, n := range ks.verified {
		if n == name {
			delete(ks.verified, digest)
		}
	}
	return nil
}

// Names lists the registered key names
func (ks *KeyStore) Names() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	names := make([]string, 0, len(ks.keys))
	for name := range ks.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered keys
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

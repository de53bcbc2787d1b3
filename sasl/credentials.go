package sasl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore is an in-memory Authenticator over bcrypt hashes.
type CredentialStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

var _ Authenticator = (*CredentialStore)(nil)

// dummyHash is compared against for unknown users so that a miss costs
// as much as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("heron-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
})

var compareHash = bcrypt.CompareHashAndPassword

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{hashes: make(map[string][]byte)}
}

// HashPassword returns the bcrypt hash stored by Add.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Add stores password for user, hashing it first.
func (s *CredentialStore) Add(user, password string) error {
	h, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.AddHash(user, h)
}

// AddHash stores an existing bcrypt hash for user.
func (s *CredentialStore) AddHash(user, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("sasl: bad hash for %q: %w", user, err)
	}
	s.mu.Lock()
	s.hashes[user] = []byte(hash)
	s.mu.Unlock()
	return nil
}

// LoadCredentials reads "user:bcrypt-hash" lines. Blank lines and lines
// starting with '#' are skipped.
func (s *CredentialStore) LoadCredentials(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return fmt.Errorf("sasl: line %d: %w", lineno, ErrInvalidFormat)
		}
		if err := s.AddHash(user, hash); err != nil {
			return fmt.Errorf("sasl: line %d: %w", lineno, err)
		}
	}
	return sc.Err()
}

// Authenticate checks password for username. A non-empty authzid must equal
// username; proxy authorization is not supported.
func (s *CredentialStore) Authenticate(_ context.Context, authzid, username, password string) (string, error) {
	if authzid != "" && authzid != username {
		return "", ErrInvalidCredentials
	}
	s.mu.RLock()
	hash, ok := s.hashes[username]
	s.mu.RUnlock()
	if !ok {
		_ = compareHash(dummyHash(), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := compareHash(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

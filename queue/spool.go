// Package queue spools accepted messages to disk and delivers them to a
// smart host, either on a timer or when a client issues ETRN.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/heron"
)

var ErrNotFound = errors.New("queue: no such message")

const (
	controlPrefix = "qf"
	dataPrefix    = "df"
	tempPrefix    = "tf"
)

// Spool is a directory holding one control file and one data file per
// message. It implements heron.Queue and heron.SpaceChecker.
type Spool struct {
	dir string
	// MinFree is kept free on the spool file system.
	MinFree int64
	Logger  *slog.Logger

	mu sync.Mutex
	// freeSpace is replaceable in tests.
	freeSpace func(dir string) (int64, error)
}

var (
	_ heron.Queue        = (*Spool)(nil)
	_ heron.SpaceChecker = (*Spool)(nil)
)

// NewSpool opens dir, creating it when missing.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: create spool: %w", err)
	}
	return &Spool{dir: dir, Logger: slog.Default(), freeSpace: diskFree}, nil
}

// Dir is the spool directory.
func (s *Spool) Dir() string { return s.dir }

func (s *Spool) path(prefix, id string) string {
	return filepath.Join(s.dir, prefix+id)
}

// HasSpace reports whether size more bytes fit while keeping MinFree.
func (s *Spool) HasSpace(size int64) bool {
	free, err := s.freeSpace(s.dir)
	if err != nil {
		s.Logger.Warn("cannot determine free space", slog.String("dir", s.dir), slog.Any("error", err))
		return true
	}
	return free-s.MinFree >= size
}

// Enqueue implements heron.Queue. The message keeps the envelope id when
// it is a ULID.
func (s *Spool) Enqueue(ctx context.Context, env *heron.Envelope, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := env.ID
	if _, err := ulid.ParseStrict(id); err != nil {
		id = ulid.Make().String()
	}
	if err := s.writeFile(dataPrefix, id, body); err != nil {
		return "", err
	}
	rec := newRecord(id, env)
	if err := s.Save(&rec); err != nil {
		_ = os.Remove(s.path(dataPrefix, id))
		return "", err
	}
	s.Logger.Debug("message spooled", slog.String("id", id), slog.Int("recipients", len(rec.Recipients)))
	return id, nil
}

// writeFile writes through a temp file so readers never see partial data.
func (s *Spool) writeFile(prefix, id string, data []byte) error {
	tmp := s.path(tempPrefix+prefix, id)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("queue: write %s: %w", prefix+id, err)
	}
	if err := os.Rename(tmp, s.path(prefix, id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("queue: commit %s: %w", prefix+id, err)
	}
	return nil
}

// Save writes the control file of rec.
func (s *Spool) Save(rec *Record) error {
	data, err := rec.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", rec.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(controlPrefix, rec.ID, data)
}

// Load reads the control file of id.
func (s *Spool) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(controlPrefix, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if _, err := rec.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", id, err)
	}
	return &rec, nil
}

// Body reads the message data of id.
func (s *Spool) Body(id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(dataPrefix, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Remove deletes both files of id.
func (s *Spool) Remove(id string) error {
	err := os.Remove(s.path(controlPrefix, id))
	if derr := os.Remove(s.path(dataPrefix, id)); err == nil && !errors.Is(derr, os.ErrNotExist) {
		err = derr
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// List returns the queued ids in arrival order.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), controlPrefix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(e.Name(), controlPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

package tokenstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/teemow/inboxrank/internal/logging"
)

// corruptSuffix is appended to a malformed snapshot when it is moved aside.
const corruptSuffix = ".corrupt"

// Options configures a Store.
type Options struct {
	// Path of the JSON snapshot. Empty keeps the store in memory only.
	Path string

	// Encryption seals token values in the snapshot. Nil stores plaintext.
	Encryption *Encryption

	Logger *slog.Logger

	// Now is the clock used for UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Store is the durable identity -> credential mapping.
//
// A single mutex serializes mutations together with their snapshot write,
// so the file on disk converges to the in-memory state in mutation order.
//
// Records that cannot be decrypted with the configured key are not served,
// but their snapshot entries are written back unchanged until a new
// credential for the same identity replaces them.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]Record
	sealed  map[string]json.RawMessage
	enc     *Encryption
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a store and loads the snapshot at opts.Path, if any.
func New(opts Options) *Store {
	s := &Store{
		path:    opts.Path,
		records: make(map[string]Record),
		sealed:  make(map[string]json.RawMessage),
		enc:     opts.Encryption,
		now:     opts.Now,
		logger:  logging.WithComponent(opts.Logger, "tokenstore"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.Load()
	return s
}

// Path returns the snapshot location.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory map with the snapshot contents and returns a
// copy of it. A missing, unreadable or malformed snapshot yields an empty
// map; a malformed one is moved aside first. Individual records that
// cannot be parsed are skipped and records that cannot be decrypted are
// kept sealed.
func (s *Store) Load() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records, s.sealed = s.readSnapshot()
	return s.copyLocked()
}

func (s *Store) readSnapshot() (map[string]Record, map[string]json.RawMessage) {
	records := make(map[string]Record)
	sealed := make(map[string]json.RawMessage)
	if s.path == "" {
		return records, sealed
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("No token snapshot found, starting empty", "path", s.path)
		return records, sealed
	}
	if err != nil {
		s.logger.Warn("Failed to read token snapshot, starting empty", "path", s.path, logging.Err(err))
		return records, sealed
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		backup := s.path + corruptSuffix
		if rerr := os.Rename(s.path, backup); rerr != nil {
			s.logger.Warn("Failed to move malformed token snapshot aside", "path", s.path, logging.Err(rerr))
		}
		s.logger.Warn("Malformed token snapshot, starting empty", "path", s.path, "backup", backup, logging.Err(err))
		return records, sealed
	}

	for identity, payload := range raw {
		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			s.logger.Warn("Skipping unreadable credential record", logging.UserHash(identity), logging.Err(err))
			continue
		}
		r, err := s.enc.openRecord(r)
		if err != nil {
			s.logger.Warn("Keeping credential record that cannot be decrypted", logging.UserHash(identity), logging.Err(err))
			sealed[identity] = payload
			continue
		}
		if identity == "" || !r.Valid() {
			s.logger.Warn("Skipping invalid credential record", logging.UserHash(identity))
			continue
		}
		if r.Version == 0 {
			// Raw provider grant written by an older release.
			r.Version = CurrentVersion
		}
		r.Identity = identity
		records[identity] = r
	}

	s.logger.Info("Loaded token snapshot", "path", s.path, "records", len(records), "sealed", len(sealed))
	return records, sealed
}

// Put validates and stores the record for identity, then persists the
// snapshot. A failed write is logged and the in-memory update stands.
func (s *Store) Put(identity string, r Record) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if !r.Valid() {
		return ErrMissingAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r = r.Clone()
	r.Identity = identity
	r.Version = CurrentVersion
	r.UpdatedAt = s.now().UTC()
	s.records[identity] = r
	delete(s.sealed, identity)
	s.logger.Debug("Stored credential", logging.UserHash(identity), "renewable", r.Renewable())

	_ = s.persistLocked()
	return nil
}

// Get returns a copy of the record for identity.
func (s *Store) Get(identity string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[identity]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Delete removes the record for identity, sealed or not, and persists the
// snapshot. It reports whether a usable record was present.
func (s *Store) Delete(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[identity]
	_, locked := s.sealed[identity]
	if !ok && !locked {
		return false
	}
	delete(s.records, identity)
	delete(s.sealed, identity)
	s.logger.Info("Deleted credential", logging.UserHash(identity))

	_ = s.persistLocked()
	return ok
}

// Identities returns the stored identities in sorted order.
func (s *Store) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Sealed returns the identities whose records could not be decrypted and
// are carried through unchanged, in sorted order.
func (s *Store) Sealed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sealed))
	for id := range s.sealed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of stored credentials.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Persist writes the full mapping to the snapshot. The returned error is a
// *PersistenceError and has already been logged.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	out := make(map[string]any, len(s.records)+len(s.sealed))
	for id, payload := range s.sealed {
		out[id] = payload
	}
	for id, r := range s.records {
		sealed, err := s.enc.sealRecord(r)
		if err != nil {
			return s.persistFailed("encrypt", err)
		}
		out[id] = sealed
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return s.persistFailed("encode", err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		var perr *PersistenceError
		if errors.As(err, &perr) {
			return s.persistFailed(perr.Op, perr.Err)
		}
		return s.persistFailed("write", err)
	}
	return nil
}

func (s *Store) persistFailed(op string, err error) error {
	perr := &PersistenceError{Path: s.path, Op: op, Err: err}
	s.logger.Error("Failed to persist token snapshot", "path", s.path, "op", op, logging.Err(err))
	return perr
}

func (s *Store) copyLocked() map[string]Record {
	out := make(map[string]Record, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}

// writeFileAtomic replaces path with data so that readers observe either
// the previous or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistenceError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistenceError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return &PersistenceError{Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &PersistenceError{Op: "rename", Err: err}
	}
	return nil
}

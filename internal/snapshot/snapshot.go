// Package snapshot keeps immutable pre-attempt copies of source files.
//
// Layout under the root directory:
//
//	sessions/<session>/manifest.mp        msgpack Manifest
//	sessions/<session>/blobs/<sha256>     file content, read-only
//
// Blobs are content-addressed within a session, so two sessions never
// collide or overwrite each other's backups, and discarding a session
// cannot affect another.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when Manifest format changes
const manifestSchemaVersion uint16 = 1

// Entry records one backup taken during a session
type Entry struct {
	Seq     int         `msgpack:"seq"`
	File    string      `msgpack:"file"` // relative to the work dir, slash separated
	Attempt string      `msgpack:"attempt"`
	Digest  string      `msgpack:"digest"`
	Mode    fs.FileMode `msgpack:"mode"`
	Size    int64       `msgpack:"size"`
	TakenAt time.Time   `msgpack:"taken_at"`
}

// Manifest lists a session's backups in the order they were taken
type Manifest struct {
	Schema  uint16  `msgpack:"schema"`
	Session string  `msgpack:"session"`
	Entries []Entry `msgpack:"entries"`
}

// Store is a snapshot store rooted at a directory. Safe for concurrent use
// within one process; sessions from different processes never share files.
type Store struct {
	mu      sync.Mutex
	root    string
	workDir string
}

// Open creates the store. File paths in entries are resolved against workDir.
func Open(root, workDir string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("snapshot root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	if workDir == "" {
		workDir = "."
	}
	return &Store{root: root, workDir: workDir}, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) sessionDir(session string) string {
	return filepath.Join(s.root, "sessions", session)
}

func (s *Store) manifestPath(session string) string {
	return filepath.Join(s.sessionDir(session), "manifest.mp")
}

func (s *Store) blobPath(session, digest string) string {
	return filepath.Join(s.sessionDir(session), "blobs", digest)
}

// Digest returns the hex sha256 of content
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Save backs up content of file for attempt in session and returns the
// backup reference ("<session>/<seq>").
func (s *Store) Save(session, attempt, file string, content []byte, mode fs.FileMode) (string, error) {
	if err := validSession(session); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(content)
	blob := s.blobPath(session, digest)
	if _, err := os.Stat(blob); errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(blob, content, 0o444); err != nil {
			return "", fmt.Errorf("write snapshot blob: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("stat snapshot blob: %w", err)
	}

	m, err := s.load(session)
	if err != nil {
		return "", err
	}
	e := Entry{
		Seq:     len(m.Entries) + 1,
		File:    filepath.ToSlash(file),
		Attempt: attempt,
		Digest:  digest,
		Mode:    mode.Perm(),
		Size:    int64(len(content)),
		TakenAt: time.Now(),
	}
	m.Entries = append(m.Entries, e)
	if err := s.store(m); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", session, e.Seq), nil
}

// Restore writes the backup ref back to its file, byte-identical to the
// content that was saved. The blob digest is verified first.
func (s *Store) Restore(ref string) error {
	session, seq, err := parseRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(session)
	if err != nil {
		return err
	}
	if seq < 1 || seq > len(m.Entries) {
		return fmt.Errorf("snapshot %s not found", ref)
	}
	return s.restore(session, m.Entries[seq-1])
}

// RestoreSession restores every file touched in session to its earliest
// backup, i.e. its content before the session began. Every file is
// attempted; the returned error joins all failures.
func (s *Store) RestoreSession(session string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(session)
	if err != nil {
		return nil, err
	}

	earliest := make(map[string]Entry)
	for _, e := range m.Entries {
		if _, ok := earliest[e.File]; !ok {
			earliest[e.File] = e
		}
	}
	files := make([]string, 0, len(earliest))
	for f := range earliest {
		files = append(files, f)
	}
	sort.Strings(files)

	var errs []error
	restored := make([]string, 0, len(files))
	for _, f := range files {
		if err := s.restore(session, earliest[f]); err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, f)
	}
	return restored, errors.Join(errs...)
}

// Entries returns the manifest entries of session
func (s *Store) Entries(session string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(session)
	if err != nil {
		return nil, err
	}
	return m.Entries, nil
}

// Sessions lists sessions that still hold snapshots
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Discard deletes every snapshot of session
func (s *Store) Discard(session string) error {
	if err := validSession(session); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(session)
	// Blobs are read-only; make them removable on platforms that care
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			_ = os.Chmod(path, 0o644)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard session snapshots: %w", err)
	}
	return nil
}

func (s *Store) restore(session string, e Entry) error {
	content, err := os.ReadFile(s.blobPath(session, e.Digest))
	if err != nil {
		return fmt.Errorf("read snapshot of %s: %w", e.File, err)
	}
	if got := Digest(content); got != e.Digest {
		return fmt.Errorf("snapshot of %s is corrupted: digest %s, want %s", e.File, got, e.Digest)
	}
	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	target := filepath.Join(s.workDir, filepath.FromSlash(e.File))
	if err := writeAtomic(target, content, mode); err != nil {
		return fmt.Errorf("restore %s: %w", e.File, err)
	}
	return nil
}

func (s *Store) load(session string) (*Manifest, error) {
	f, err := os.Open(s.manifestPath(session))
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{Schema: manifestSchemaVersion, Session: session}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot manifest: %w", err)
	}
	defer f.Close()

	var m Manifest
	if err := msgpack.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode snapshot manifest for %s: %w", session, err)
	}
	if m.Schema != manifestSchemaVersion {
		return nil, fmt.Errorf("snapshot manifest for %s has schema %d, want %d", session, m.Schema, manifestSchemaVersion)
	}
	return &m, nil
}

func (s *Store) store(m *Manifest) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode snapshot manifest: %w", err)
	}
	if err := writeAtomic(s.manifestPath(m.Session), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot manifest: %w", err)
	}
	return nil
}

// writeAtomic writes data to path through a temp file in the same
// directory, so readers see either the old or the new content
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteFile replaces path atomically, keeping mode
func WriteFile(path string, data []byte, mode fs.FileMode) error {
	return writeAtomic(path, data, mode)
}

func parseRef(ref string) (string, int, error) {
	i := strings.LastIndexByte(ref, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid snapshot reference %q", ref)
	}
	seq, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid snapshot reference %q", ref)
	}
	session := ref[:i]
	if err := validSession(session); err != nil {
		return "", 0, err
	}
	return session, seq, nil
}

func validSession(session string) error {
	if session == "" || strings.ContainsAny(session, `/\`) || session == "." || session == ".." {
		return fmt.Errorf("invalid session id %q", session)
	}
	return nil
}

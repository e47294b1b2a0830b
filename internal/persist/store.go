package persist

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Store owns <state-dir>/runtimes/*.state, the one-file-per-runtime
// persisted records of spec §4.9/§6.
type Store struct {
	dir  string
	lock *flock.Flock
}

// New prepares a Store rooted at stateDir, creating stateDir/runtimes
// if absent. Fatal per spec §7 ("persistence directory unwriteable").
func New(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "runtimes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerr.Wrap(xerr.CodeFatal, "persist: mkdir state dir", err)
	}
	return &Store{dir: dir, lock: flock.New(filepath.Join(dir, ".lock"))}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".state")
}

// Save writes cfg's record atomically: a temporary sibling file is
// written and renamed over the target (spec §4.9 "create/rename-based
// atomic replace"), guarded by an exclusive flock on the state
// directory so a concurrent replay never observes a half-written file.
func (s *Store) Save(cfg runtime.Config) error {
	if err := s.lock.Lock(); err != nil {
		return xerr.Wrap(xerr.CodeFatal, "persist: lock state dir", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	tmp := s.path(cfg.Name) + ".tmp"
	data := Encode(cfg)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerr.Wrap(xerr.CodeFatal, "persist: write temp record", err)
	}
	if err := os.Rename(tmp, s.path(cfg.Name)); err != nil {
		return xerr.Wrap(xerr.CodeFatal, "persist: rename record", err)
	}
	return nil
}

// Remove deletes a runtime's persisted record, if present.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return xerr.Wrap(xerr.CodeFatal, "persist: remove record", err)
	}
	return nil
}

// LoadAll reads every *.state file in the directory in name order
// (spec §4.3 "Startup replays the persisted runtime records in name
// order"). A corrupt individual file is logged and skipped, not fatal
// to the whole replay (spec §6 "Failures during replay log a
// diagnostic ... without blocking others").
func (s *Store) LoadAll() ([]runtime.Config, error) {
	if err := s.lock.Lock(); err != nil {
		return nil, xerr.Wrap(xerr.CodeFatal, "persist: lock state dir", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeFatal, "persist: read state dir", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".state") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]runtime.Config, 0, len(names))
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, n))
		if err != nil {
			logx.New(logx.ErrorLevel, "persist: read record failed").
				Field("file", n).ErrorAdd(true, err).Check(logx.ErrorLevel)
			continue
		}
		cfg, err := Decode(data)
		if err != nil {
			logx.New(logx.ErrorLevel, "persist: decode record failed").
				Field("file", n).ErrorAdd(true, err).Check(logx.ErrorLevel)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Dir exposes the runtimes directory for the peer-discovery watcher.
func (s *Store) Dir() string { return s.dir }

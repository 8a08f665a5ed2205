// Package journal provides atomic batched writes over a vfs.FS, so a
// forest commit either lands completely or not at all, even across a
// crash. See spec.md §4.4.
package journal

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/vfs"
)

const (
	shadowSuffix     = ".new"
	commitRecordName = "larch-journal-commit"
)

// Journal stages writes and deletes under dirname and commits them
// atomically. A single Journal is owned by one NodeStore.
type Journal struct {
	fs      vfs.FS
	dirname string
	log     *zap.SugaredLogger

	mu      sync.Mutex
	writes  map[string][]byte
	deletes map[string]bool
}

// New returns a Journal rooted at dirname. log may be nil, in which
// case a no-op logger is used.
func New(fs vfs.FS, dirname string, log *zap.SugaredLogger) *Journal {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Journal{
		fs:      fs,
		dirname: dirname,
		log:     log,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

func (j *Journal) commitRecordPath() string {
	return filepath.Join(j.dirname, commitRecordName)
}

// Open recovers the journal: if a commit record is present, it
// replays the rotate phase (idempotent); otherwise it rolls back any
// half-written shadows. Opening read-only skips recovery entirely —
// the journal is invisible and any half-committed state is left
// alone.
func (j *Journal) Open(readOnly bool) error {
	if readOnly {
		j.log.Debugw("journal open read-only, skipping recovery", "dir", j.dirname)
		return nil
	}
	if j.fs.Exists(j.commitRecordPath()) {
		j.log.Infow("commit record present, replaying", "dir", j.dirname)
		return j.replayCommit()
	}
	j.log.Debugw("no commit record, rolling back shadows", "dir", j.dirname)
	return j.rollback()
}

// Write stages an atomic overwrite of path. Collapses with any
// earlier staged write to the same path, and cancels a pending delete
// of path (the last operation on a path, within one transaction,
// wins).
func (j *Journal) Write(path string, data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.deletes, path)
	cp := make([]byte, len(data))
	copy(cp, data)
	j.writes[path] = cp
}

// Remove stages a delete of path. If path also has a pending write in
// this transaction, the write is skipped — only the delete happens.
func (j *Journal) Remove(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.writes, path)
	j.deletes[path] = true
}

// Pending reports whether there is anything staged.
func (j *Journal) Pending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.writes) > 0 || len(j.deletes) > 0
}

// Commit durably applies every staged write and delete, in four
// phases: fsync shadows, write the commit record, rotate shadows and
// tombstones into place, remove the commit record. If it returns an
// error, the forest must be treated as unusable until reopened — a
// failed commit is rolled back on next Open the same way a crash
// would be.
func (j *Journal) Commit() error {
	j.mu.Lock()
	writes := j.writes
	deletes := j.deletes
	j.writes = make(map[string][]byte)
	j.deletes = make(map[string]bool)
	j.mu.Unlock()

	if len(writes) == 0 && len(deletes) == 0 {
		j.log.Debugw("commit with nothing staged")
		return nil
	}

	j.log.Infow("committing", "writes", len(writes), "deletes", len(deletes))

	// Phase 1: stage every write to its shadow path, fsync'd.
	for path, data := range writes {
		shadow := path + shadowSuffix
		if err := j.fs.WriteFile(shadow, data); err != nil {
			return errors.Wrapf(err, "journal: writing shadow %s", shadow)
		}
	}

	// Phase 2: write the commit record. Its payload is the sorted
	// tombstone list — writes are self-describing via their *.new
	// shadow files, so only deletes need to be remembered here.
	manifest := encodeManifest(deletes)
	if err := j.fs.WriteFile(j.commitRecordPath(), manifest); err != nil {
		return errors.Wrap(err, "journal: writing commit record")
	}

	// From here on, the transaction is durable: a crash now replays
	// forward instead of rolling back.
	if err := j.rotate(writes, deletes); err != nil {
		return errors.Wrap(err, "journal: rotating")
	}

	// Phase 4: remove the commit record.
	if err := j.fs.Remove(j.commitRecordPath()); err != nil {
		return errors.Wrap(err, "journal: removing commit record")
	}
	return nil
}

func (j *Journal) rotate(writes map[string][]byte, deletes map[string]bool) error {
	paths := make([]string, 0, len(writes))
	for path := range writes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		shadow := path + shadowSuffix
		if j.fs.Exists(shadow) {
			if err := j.fs.Rename(shadow, path); err != nil {
				return errors.Wrapf(err, "rename %s to %s", shadow, path)
			}
		}
	}

	tombstones := make([]string, 0, len(deletes))
	for path := range deletes {
		tombstones = append(tombstones, path)
	}
	sort.Strings(tombstones)
	for _, path := range tombstones {
		if err := j.fs.Remove(path); err != nil {
			return errors.Wrapf(err, "remove %s", path)
		}
	}
	return nil
}

// replayCommit finishes a transaction whose commit record survived a
// crash: re-discover shadow files on disk (they are self-describing:
// strip the suffix to get the final path) and re-read the tombstone
// manifest, then run the same rotate phase 3+4 the live Commit uses.
// This is idempotent: if phase 3 already completed before the crash,
// renaming an already-renamed (now missing) shadow is a no-op, and
// removing an already-removed tombstone target is likewise a no-op.
func (j *Journal) replayCommit() error {
	shadows, err := j.findShadows()
	if err != nil {
		return larch.JournalReplayFailedError(err)
	}
	manifest, err := j.fs.ReadFile(j.commitRecordPath())
	if err != nil {
		return larch.JournalReplayFailedError(err)
	}
	deletes := decodeManifest(manifest)

	writes := make(map[string][]byte, len(shadows))
	for _, shadow := range shadows {
		writes[strings.TrimSuffix(shadow, shadowSuffix)] = nil
	}
	if err := j.rotate(writes, deletes); err != nil {
		return larch.JournalReplayFailedError(err)
	}
	if err := j.fs.Remove(j.commitRecordPath()); err != nil {
		return larch.JournalReplayFailedError(err)
	}
	return nil
}

// rollback undoes a transaction that never reached phase 2: every
// leftover shadow file is removed. Nothing was ever deleted in phase
// 3 (it runs only after the commit record exists), so tombstones need
// no undo.
func (j *Journal) rollback() error {
	shadows, err := j.findShadows()
	if err != nil {
		return larch.JournalReplayFailedError(err)
	}
	for _, shadow := range shadows {
		if err := j.fs.Remove(shadow); err != nil {
			return larch.JournalReplayFailedError(err)
		}
	}
	return nil
}

func (j *Journal) findShadows() ([]string, error) {
	files, err := j.fs.Walk(j.dirname)
	if err != nil {
		return nil, err
	}
	var shadows []string
	for _, f := range files {
		if strings.HasSuffix(f, shadowSuffix) {
			shadows = append(shadows, f)
		}
	}
	return shadows, nil
}

func encodeManifest(deletes map[string]bool) []byte {
	paths := make([]string, 0, len(deletes))
	for path := range deletes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return []byte(strings.Join(paths, "\n"))
}

func decodeManifest(data []byte) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out[line] = true
		}
	}
	return out
}

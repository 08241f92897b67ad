// Package metafile implements the primitive on-disk operations every
// metadata entity is built from: a JSON "meta file" (name.json), an optional
// same-named sibling folder, orphan archiving, and the sharded user-folder
// layout.
//
// The package is stateless; the filesystem is the only state. Every write and
// delete of a meta file additionally holds an OS-level advisory lock on the
// target (and reads hold it shared), so writers in other processes cannot
// interleave a partial write with a read. In-process synchronization is the
// caller's job.
package metafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/pkg/metastore"
)

const (
	// Extension is the suffix of every metadata document on disk.
	Extension = ".json"

	// UserMeta is the logical name of the per-user marker document
	// (user.json) that makes a directory a user folder.
	UserMeta = "user"

	// WorkspaceMeta is the logical name of the legacy per-folder workspace
	// marker document. The current layout names workspace documents by
	// workspace id; this name survives only in pre-migration trees.
	WorkspaceMeta = "workspace"

	// RootMeta is the logical name of the store version marker at the root
	// (metastore.json).
	RootMeta = "metastore"

	// ArchiveDir is the recovery area unexpected files and folders are moved
	// into instead of being deleted.
	ArchiveDir = ".archive"
)

// File returns the path of the meta file for (parent, name).
func File(parent, name string) string {
	return filepath.Join(parent, name+Extension)
}

// Folder returns the path of the sibling folder for (parent, name).
func Folder(parent, name string) string {
	return filepath.Join(parent, name)
}

// Exists reports whether the meta file for (parent, name) exists.
func Exists(parent, name string) bool {
	info, err := os.Stat(File(parent, name))
	return err == nil && info.Mode().IsRegular()
}

// FolderExists reports whether the sibling folder for (parent, name) exists.
func FolderExists(parent, name string) bool {
	info, err := os.Stat(Folder(parent, name))
	return err == nil && info.IsDir()
}

// Create writes a new meta file. It fails fatally if the target already
// exists or the parent is missing or not a directory.
func Create(parent, name string, doc []byte) error {
	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return metastore.PathErrorf(metastore.ErrIO, parent, "meta file parent is not a directory")
	}
	if Exists(parent, name) {
		return metastore.PathErrorf(metastore.ErrAlreadyExists, File(parent, name), "meta file already exists")
	}
	return writeLocked(File(parent, name), doc)
}

// Read returns the raw document for (parent, name).
//
// Absence is a nil document with a nil error, never an error. A document
// that exists but is not valid JSON is surfaced as ErrCorruption and is
// deliberately left untouched: corruption is never auto-repaired, so callers
// must not treat it as safe to overwrite.
func Read(parent, name string) ([]byte, error) {
	path := File(parent, name)
	if !Exists(parent, name) {
		return nil, nil
	}

	// flock creates the lock target when missing, so the existence check
	// above must come first. The shared lock blocks until writers in other
	// processes release theirs, so a partial write is never observed.
	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock meta file %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read meta file %s: %w", path, err)
	}
	if !json.Valid(data) {
		logger.Error("malformed metadata document: %s", path)
		return nil, metastore.PathErrorf(metastore.ErrCorruption, path, "malformed metadata document")
	}
	return data, nil
}

// Update rewrites an existing meta file. It fails fatally if the target does
// not exist.
func Update(parent, name string, doc []byte) error {
	if !Exists(parent, name) {
		return metastore.PathErrorf(metastore.ErrIO, File(parent, name), "meta file does not exist")
	}
	return writeLocked(File(parent, name), doc)
}

// Delete removes an existing meta file. It fails fatally if the target does
// not exist.
func Delete(parent, name string) error {
	path := File(parent, name)
	if !Exists(parent, name) {
		return metastore.PathErrorf(metastore.ErrIO, path, "meta file does not exist")
	}

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock meta file %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete meta file %s: %w", path, err)
	}
	return nil
}

// Move renames a meta file within the same parent or across parents. There
// is no transactional rollback: a failure between a folder move and the
// matching metadata update leaves the tree half-renamed, which is the store's
// accepted failure model.
func Move(fromParent, fromName, toParent, toName string) error {
	from := File(fromParent, fromName)
	to := File(toParent, toName)
	if !Exists(fromParent, fromName) {
		return metastore.PathErrorf(metastore.ErrIO, from, "meta file does not exist")
	}
	if Exists(toParent, toName) {
		return metastore.PathErrorf(metastore.ErrAlreadyExists, to, "meta file already exists")
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move meta file %s to %s: %w", from, to, err)
	}
	return nil
}

// CreateFolder creates the sibling folder for (parent, name). It fails
// fatally if the folder already exists or the parent is missing.
func CreateFolder(parent, name string) error {
	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return metastore.PathErrorf(metastore.ErrIO, parent, "meta folder parent is not a directory")
	}
	path := Folder(parent, name)
	if _, err := os.Stat(path); err == nil {
		return metastore.PathErrorf(metastore.ErrAlreadyExists, path, "meta folder already exists")
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fmt.Errorf("create meta folder %s: %w", path, err)
	}
	return nil
}

// DeleteFolder removes a folder and everything beneath it.
func DeleteFolder(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete meta folder %s: %w", path, err)
	}
	return nil
}

// MoveFolder renames a folder, creating the destination's parents.
func MoveFolder(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("prepare folder move to %s: %w", to, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move meta folder %s to %s: %w", from, to, err)
	}
	return nil
}

func writeLocked(path string, doc []byte) error {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock meta file %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("write meta file %s: %w", path, err)
	}
	return nil
}

// Archive relocates an unexpected file or folder under root/.archive,
// preserving its path relative to the root, so an operator can inspect and
// recover it. An already-empty orphan directory is deleted outright. A
// failure to set up the archive area is logged and the item is left in
// place rather than lost.
func Archive(root, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(path)
			return
		}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		logger.Error("cannot archive %s: outside store root %s", path, root)
		return
	}

	dest := filepath.Join(root, ArchiveDir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		logger.Error("cannot create archive folder for %s: %v", path, err)
		return
	}
	if _, err := os.Stat(dest); err == nil {
		dest = dest + "." + uuid.NewString()
	}
	if err := os.Rename(path, dest); err != nil {
		logger.Error("cannot archive %s: %v", path, err)
		return
	}
	logger.Info("archived orphan metadata: %s", rel)
}

// ListUserFolders walks the two-level shard structure under root and returns
// the sorted list of user ids found. Non-metadata entries at the root (the
// archive folder, the root version marker, dotfiles, flat files such as
// operator config) are skipped; a shard entry that is structurally invalid
// (a directory with no user document) is archived.
func ListUserFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list store root %s: %w", root, err)
	}

	var users []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		shard := filepath.Join(root, name)

		subs, err := os.ReadDir(shard)
		if err != nil {
			return nil, fmt.Errorf("list shard %s: %w", shard, err)
		}
		for _, sub := range subs {
			userDir := filepath.Join(shard, sub.Name())
			if !sub.IsDir() || !Exists(userDir, UserMeta) {
				Archive(root, userDir)
				continue
			}
			users = append(users, sub.Name())
		}
	}

	sort.Strings(users)
	return users, nil
}

type rootDocument struct {
	SchemaVersion int `json:"OrionVersion"`
}

// WriteRootVersion writes (or rewrites) the store version marker at root.
func WriteRootVersion(root string, version int) error {
	doc, err := json.Marshal(rootDocument{SchemaVersion: version})
	if err != nil {
		return err
	}
	return writeLocked(File(root, RootMeta), doc)
}

// ReadRootVersion returns the store version recorded at root, or 0 with a
// nil error when no marker exists yet.
func ReadRootVersion(root string) (int, error) {
	data, err := Read(root, RootMeta)
	if err != nil || data == nil {
		return 0, err
	}
	var doc rootDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, metastore.PathErrorf(metastore.ErrCorruption, File(root, RootMeta), "malformed store version marker")
	}
	return doc.SchemaVersion, nil
}

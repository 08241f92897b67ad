// Package fs implements the filesystem-backed MetadataStore.
//
// Every entity persists as a JSON meta file inside a sharded directory tree:
//
//	root/metastore.json
//	root/{shard}/{userId}/user.json
//	root/{shard}/{userId}/{workspaceId}.json
//	root/{shard}/{userId}/{projectId}.json
//	root/{shard}/{userId}/{workspaceName}/{projectId}/   (content folders)
//	root/.archive/...                                    (recovered orphans)
//
// Concurrency model: one reader/writer lock per user id; reads hold the read
// lock for the duration of the filesystem reads, writes hold the write lock.
// A read that discovers stale-versioned data releases the read lock, takes
// the write lock, re-checks staleness (another goroutine may have migrated in
// the meantime), migrates only if still required, then downgrades back to the
// read lock. Every individual file write additionally holds an OS-level
// advisory lock, so a second process pointed at the same root cannot
// interleave partial writes.
package fs

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/internal/secure"
	"github.com/workhub/metastore/pkg/metastore"
)

// Store is the filesystem implementation of metastore.MetadataStore. Only
// one Store instance should own a given root directory at a time; within an
// instance all operations are safe for concurrent use.
type Store struct {
	root   string
	locks  *lockTable
	index  *propertyIndex
	cipher *secure.Cipher
}

var _ metastore.MetadataStore = (*Store)(nil)

// Config configures a filesystem store.
type Config struct {
	// Path is the store root directory. Created if missing.
	Path string

	// PasswordSecret, when non-empty, enables encryption of the Password
	// user property at rest.
	PasswordSecret string
}

// New opens (or initializes) the store rooted at cfg.Path.
//
// A root whose version marker is newer than CurrentVersion is refused: old
// code must never touch newer data. An older marker is accepted and bumped;
// individual user trees still migrate lazily on first access.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "store path is required")
	}

	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}

	version, err := metafile.ReadRootVersion(root)
	if err != nil {
		return nil, err
	}
	if version > CurrentVersion {
		return nil, metastore.PathErrorf(metastore.ErrConfiguration, root,
			"store version %d is newer than supported version %d", version, CurrentVersion)
	}
	if version < CurrentVersion {
		if err := metafile.WriteRootVersion(root, CurrentVersion); err != nil {
			return nil, err
		}
	}

	s := &Store{
		root:  root,
		locks: newLockTable(),
		index: newPropertyIndex(),
	}
	if cfg.PasswordSecret != "" {
		s.cipher, err = secure.NewCipher(cfg.PasswordSecret)
		if err != nil {
			return nil, metastore.Errorf(metastore.ErrConfiguration, "password cipher: %v", err)
		}
	}

	if err := s.index.register(metastore.UserNameProperty); err != nil {
		return nil, err
	}

	logger.Info("metadata store opened at %s (version %d)", root, CurrentVersion)
	return s, nil
}

// Root returns the absolute store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.root, codec.ShardPrefix(userID), userID)
}

func (s *Store) workspaceFolder(workspaceID string) string {
	userID := codec.DecodeUserID(workspaceID)
	return filepath.Join(s.userDir(userID), codec.DecodeWorkspaceName(workspaceID))
}

func fileURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// UserHome returns the file URI of the user's metadata directory.
func (s *Store) UserHome(userID string) string {
	return fileURI(s.userDir(userID))
}

// WorkspaceContentLocation returns the file URI of the workspace's content
// folder.
func (s *Store) WorkspaceContentLocation(workspaceID string) string {
	return fileURI(s.workspaceFolder(workspaceID))
}

// DefaultContentLocation computes the conventional content URI for a project
// of the given workspace and makes sure the workspace folder exists.
func (s *Store) DefaultContentLocation(workspaceID, projectName string) (string, error) {
	folder := s.workspaceFolder(workspaceID)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create workspace folder: %w", err)
	}
	return fileURI(filepath.Join(folder, codec.EncodeProjectID(projectName))), nil
}

// RegisterUserProperties adds keys to the property index. Registering any
// key other than the username key triggers a cold backfill: every on-disk
// user is read once and its properties pushed through the index.
func (s *Store) RegisterUserProperties(keys []string) error {
	if err := s.index.register(keys...); err != nil {
		return err
	}

	backfill := false
	for _, key := range keys {
		if key != metastore.UserNameProperty {
			backfill = true
			break
		}
	}
	if !backfill {
		return nil
	}

	userIDs, err := metafile.ListUserFolders(s.root)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		user, err := s.ReadUser(userID)
		if err != nil {
			logger.Warn("property backfill skipping user %q: %v", userID, err)
			continue
		}
		if user == nil {
			continue
		}
		s.index.add(metastore.UserNameProperty, user.UserName, user.UniqueID)
		s.index.setProperties(user.UniqueID, user.Properties)
	}
	return nil
}

// withUserRead runs fn under the user's read lock, first upgrading
// stale-versioned on-disk data.
//
// The upgrade path is the safety-critical part: the read lock is released,
// the write lock acquired, and staleness RE-CHECKED before migrating, because
// another goroutine may have migrated while this one waited. Without the
// re-check two goroutines could race to migrate the same user and corrupt or
// duplicate on-disk state.
func (s *Store) withUserRead(userID string, fn func() error) error {
	l := s.locks.get(userID)

	l.RLock()
	required, err := s.migrationRequired(userID)
	if err != nil {
		l.RUnlock()
		return err
	}

	if required {
		l.RUnlock()
		l.Lock()
		required, err = s.migrationRequired(userID)
		if err == nil && required {
			err = s.migrateUser(userID)
		}
		l.Unlock()
		if err != nil {
			return err
		}
		l.RLock()
	}

	defer l.RUnlock()
	return fn()
}

// withUserWrite runs fn under the user's write lock, migrating
// stale-versioned data first.
func (s *Store) withUserWrite(userID string, fn func() error) error {
	l := s.locks.get(userID)
	l.Lock()
	defer l.Unlock()

	required, err := s.migrationRequired(userID)
	if err != nil {
		return err
	}
	if required {
		if err := s.migrateUser(userID); err != nil {
			return err
		}
	}
	return fn()
}

var userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

func validateUserName(name string) error {
	if name == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "user name is required")
	}
	if len(name) > 128 {
		return metastore.Errorf(metastore.ErrInvalidArgument, "user name %q is too long", name)
	}
	if !userNamePattern.MatchString(name) {
		return metastore.Errorf(metastore.ErrInvalidArgument, "user name %q contains invalid characters", name)
	}
	return nil
}

func validateEntityName(kind, name string) error {
	if name == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "%s name is required", kind)
	}
	if len(name) > 255 {
		return metastore.Errorf(metastore.ErrInvalidArgument, "%s name %q is too long", kind, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return metastore.Errorf(metastore.ErrInvalidArgument, "%s name %q contains invalid characters", kind, name)
	}
	if strings.HasPrefix(name, ".") {
		return metastore.Errorf(metastore.ErrInvalidArgument, "%s name %q must not start with a dot", kind, name)
	}
	return nil
}

// checkReservedID rejects ids that collide with the literal names of the
// metadata marker files: persisting them would silently overwrite a marker.
func checkReservedID(id string) error {
	switch id {
	case metafile.UserMeta, metafile.WorkspaceMeta, metafile.RootMeta:
		return metastore.Errorf(metastore.ErrAlreadyExists, "name %q collides with a reserved metadata file", id)
	}
	return nil
}

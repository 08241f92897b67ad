package fs

import (
	"fmt"
	"os"
	"strings"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/pkg/metastore"
)

// UserRightsProperty holds the access-rights list whose URIs embed workspace
// ids; user renames rewrite it.
const UserRightsProperty = "UserRights"

// CreateUser persists a new user. UserName becomes the immutable UniqueID.
func (s *Store) CreateUser(user *metastore.User) (*metastore.User, error) {
	if user == nil {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "user is required")
	}
	if err := validateUserName(user.UserName); err != nil {
		return nil, err
	}

	created := user.Clone()
	created.UniqueID = created.UserName
	if created.Properties == nil {
		created.Properties = make(map[string]string)
	}

	userID := created.UniqueID
	err := s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		if _, err := os.Stat(dir); err == nil {
			return metastore.PathErrorf(metastore.ErrAlreadyExists, dir, "user %q already exists", userID)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create user folder: %w", err)
		}

		doc, err := s.encodeUser(created)
		if err != nil {
			return err
		}
		if err := metafile.Create(dir, metafile.UserMeta, doc); err != nil {
			return err
		}

		s.index.add(metastore.UserNameProperty, created.UserName, userID)
		s.index.setProperties(userID, created.Properties)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("created user %q", userID)
	return created, nil
}

// ReadUser returns the user with the given id, or nil if it does not exist.
// A corrupt user document fails the read outright and triggers no write.
func (s *Store) ReadUser(userID string) (*metastore.User, error) {
	if userID == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "user id is required")
	}

	var user *metastore.User
	err := s.withUserRead(userID, func() error {
		data, err := metafile.Read(s.userDir(userID), metafile.UserMeta)
		if err != nil || data == nil {
			return err
		}
		user, err = s.decodeUser(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetOrCreateUser returns the existing user or persists a minimal new one.
func (s *Store) GetOrCreateUser(userID string) (*metastore.User, error) {
	user, err := s.ReadUser(userID)
	if err != nil || user != nil {
		return user, err
	}

	user, err = s.CreateUser(&metastore.User{UserName: userID, FullName: userID})
	if metastore.IsAlreadyExists(err) {
		// Lost the race to a concurrent creator.
		return s.ReadUser(userID)
	}
	return user, err
}

// UpdateUser persists changes to the user. Properties merge by key (an empty
// incoming value removes the key), so concurrent updaters adding distinct
// properties never erase each other's entries. A UserName differing from
// UniqueID renames the user.
func (s *Store) UpdateUser(user *metastore.User) error {
	if user == nil || user.UniqueID == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "user id is required")
	}
	if user.UserName != "" && user.UserName != user.UniqueID {
		return s.renameUser(user)
	}

	userID := user.UniqueID
	return s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		data, err := metafile.Read(dir, metafile.UserMeta)
		if err != nil {
			return err
		}
		if data == nil {
			return metastore.Errorf(metastore.ErrIO, "user %q does not exist", userID)
		}
		existing, err := s.decodeUser(data)
		if err != nil {
			return err
		}

		// The workspace list is maintained internally by workspace create
		// and delete; a caller passing nil must not erase it.
		workspaceIDs := existing.WorkspaceIDs
		if user.WorkspaceIDs != nil {
			workspaceIDs = user.WorkspaceIDs
		}

		merged := mergeProperties(existing.Properties, user.Properties)
		updated := &metastore.User{
			UniqueID:     userID,
			UserName:     userID,
			FullName:     user.FullName,
			WorkspaceIDs: workspaceIDs,
			Properties:   merged,
		}
		doc, err := s.encodeUser(updated)
		if err != nil {
			return err
		}
		if err := metafile.Update(dir, metafile.UserMeta, doc); err != nil {
			return err
		}

		// Index maintenance happens under the same lock as the disk write
		// so concurrent updaters cannot leave the index reflecting an older
		// write than the one on disk.
		s.index.setProperties(userID, merged)
		return nil
	})
}

// DeleteUser removes the user, cascading depth-first through its workspaces
// and their projects.
func (s *Store) DeleteUser(userID string) error {
	if userID == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "user id is required")
	}

	err := s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		data, err := metafile.Read(dir, metafile.UserMeta)
		if err != nil {
			return err
		}
		if data == nil {
			return metastore.Errorf(metastore.ErrIO, "user %q does not exist", userID)
		}
		user, err := s.decodeUser(data)
		if err != nil {
			return err
		}

		for _, workspaceID := range user.WorkspaceIDs {
			if err := s.deleteWorkspaceLocked(userID, workspaceID, false); err != nil {
				return err
			}
		}

		if err := metafile.Delete(dir, metafile.UserMeta); err != nil {
			return err
		}
		if err := metafile.DeleteFolder(dir); err != nil {
			return err
		}

		s.index.deleteUser(userID)
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("deleted user %q", userID)
	return nil
}

// ReadAllUsers lists every user found in the store. Users whose documents
// are corrupt are skipped with a warning so one bad tree cannot hide the
// rest.
func (s *Store) ReadAllUsers() ([]*metastore.User, error) {
	userIDs, err := metafile.ListUserFolders(s.root)
	if err != nil {
		return nil, err
	}

	users := make([]*metastore.User, 0, len(userIDs))
	for _, userID := range userIDs {
		user, err := s.ReadUser(userID)
		if err != nil {
			if metastore.IsCorruption(err) {
				logger.Warn("skipping corrupt user %q", userID)
				continue
			}
			return nil, err
		}
		if user != nil {
			users = append(users, user)
		}
	}
	return users, nil
}

// ReadUserByProperty finds the first user whose registered property matches.
// The username key bypasses the cache: exact lookups resolve through
// directory existence, pattern lookups scan the shard tree.
func (s *Store) ReadUserByProperty(key, value string, regex, ignoreCase bool) (*metastore.User, error) {
	if key == metastore.UserNameProperty {
		return s.readUserByName(value, regex, ignoreCase)
	}

	userID, err := s.index.lookup(key, value, regex, ignoreCase)
	if err != nil || userID == "" {
		return nil, err
	}
	return s.ReadUser(userID)
}

func (s *Store) readUserByName(value string, regex, ignoreCase bool) (*metastore.User, error) {
	if !regex && !ignoreCase {
		if _, err := os.Stat(s.userDir(value)); err != nil {
			return nil, nil
		}
		return s.ReadUser(value)
	}

	userIDs, err := metafile.ListUserFolders(s.root)
	if err != nil {
		return nil, err
	}
	matches, err := compileMatcher(value, regex, ignoreCase)
	if err != nil {
		return nil, err
	}
	for _, id := range userIDs {
		if matches(id) {
			return s.ReadUser(id)
		}
	}
	return nil, nil
}

// renameUser moves the user's entire sharded directory to the new id and
// rewrites everything that embeds the old one: workspace ids, project
// workspace markers and content locations, and rights URIs. Both users'
// write locks are held for the whole operation, acquired in canonical order.
func (s *Store) renameUser(user *metastore.User) error {
	oldID := user.UniqueID
	newID := user.UserName
	if err := validateUserName(newID); err != nil {
		return err
	}

	first, second := s.locks.pair(oldID, newID)
	first.Lock()
	defer first.Unlock()
	if second != nil {
		second.Lock()
		defer second.Unlock()
	}

	required, err := s.migrationRequired(oldID)
	if err != nil {
		return err
	}
	if required {
		if err := s.migrateUser(oldID); err != nil {
			return err
		}
	}

	oldDir := s.userDir(oldID)
	newDir := s.userDir(newID)
	data, err := metafile.Read(oldDir, metafile.UserMeta)
	if err != nil {
		return err
	}
	if data == nil {
		return metastore.Errorf(metastore.ErrIO, "user %q does not exist", oldID)
	}
	existing, err := s.decodeUser(data)
	if err != nil {
		return err
	}
	if _, err := os.Stat(newDir); err == nil {
		return metastore.PathErrorf(metastore.ErrAlreadyExists, newDir, "user %q already exists", newID)
	}

	if err := metafile.MoveFolder(oldDir, newDir); err != nil {
		return err
	}

	newWorkspaceIDs := make([]string, 0, len(existing.WorkspaceIDs))
	for _, oldWsID := range existing.WorkspaceIDs {
		newWsID, err := s.renameWorkspaceOwner(newDir, oldID, newID, oldWsID)
		if err != nil {
			return err
		}
		newWorkspaceIDs = append(newWorkspaceIDs, newWsID)
	}

	merged := mergeProperties(existing.Properties, user.Properties)
	rewriteRightsProperty(merged, oldID, newID, existing.WorkspaceIDs, newWorkspaceIDs)

	fullName := user.FullName
	if fullName == "" {
		fullName = existing.FullName
	}
	renamed := &metastore.User{
		UniqueID:     newID,
		UserName:     newID,
		FullName:     fullName,
		WorkspaceIDs: newWorkspaceIDs,
		Properties:   merged,
	}
	doc, err := s.encodeUser(renamed)
	if err != nil {
		return err
	}
	if err := metafile.Update(newDir, metafile.UserMeta, doc); err != nil {
		return err
	}

	s.index.renameUser(oldID, newID)
	s.index.add(metastore.UserNameProperty, newID, newID)
	s.index.setProperties(newID, merged)
	logger.Info("renamed user %q to %q", oldID, newID)
	return nil
}

// renameWorkspaceOwner rewrites one workspace (and its projects) after the
// owning user directory moved from oldID to newID.
func (s *Store) renameWorkspaceOwner(newDir, oldID, newID, oldWsID string) (string, error) {
	wsName := codec.DecodeWorkspaceName(oldWsID)
	newWsID := newID + codec.Separator + wsName

	if err := metafile.Move(newDir, oldWsID, newDir, newWsID); err != nil {
		return "", err
	}
	data, err := metafile.Read(newDir, newWsID)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", metastore.Errorf(metastore.ErrIO, "workspace %q disappeared during rename", oldWsID)
	}
	ws, err := decodeWorkspace(data)
	if err != nil {
		return "", err
	}
	ws.UniqueID = newWsID
	ws.UserID = newID
	doc, err := encodeWorkspace(ws)
	if err != nil {
		return "", err
	}
	if err := metafile.Update(newDir, newWsID, doc); err != nil {
		return "", err
	}

	oldUserDir := s.userDir(oldID)
	for _, projectName := range ws.ProjectNames {
		projectID := codec.EncodeProjectID(projectName)
		data, err := metafile.Read(newDir, projectID)
		if err != nil || data == nil {
			logger.Warn("project %q missing while renaming user %q", projectID, oldID)
			continue
		}
		project, err := s.decodeProject(data)
		if err != nil {
			return "", err
		}
		project.WorkspaceID = newWsID

		// Content under the moved user directory follows it; external
		// (linked) locations stay put.
		oldPrefix := fileURI(oldUserDir)
		newPrefix := fileURI(newDir)
		if project.ContentLocation == oldPrefix || strings.HasPrefix(project.ContentLocation, oldPrefix+"/") {
			project.ContentLocation = newPrefix + strings.TrimPrefix(project.ContentLocation, oldPrefix)
		}

		doc, err := s.encodeProject(project)
		if err != nil {
			return "", err
		}
		if err := metafile.Update(newDir, projectID, doc); err != nil {
			return "", err
		}
	}

	return newWsID, nil
}

// rewriteRightsProperty rewrites access-rights URIs that embed the old user
// or workspace ids as path segments.
func rewriteRightsProperty(props map[string]string, oldID, newID string, oldWsIDs, newWsIDs []string) {
	rights, ok := props[UserRightsProperty]
	if !ok {
		return
	}
	for i, oldWsID := range oldWsIDs {
		rights = strings.ReplaceAll(rights, "/"+oldWsID, "/"+newWsIDs[i])
	}
	rights = strings.ReplaceAll(rights, "/"+oldID+"/", "/"+newID+"/")
	props[UserRightsProperty] = rights
}

package fs

import (
	"os"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/pkg/metastore"
)

// CreateWorkspace persists a new workspace for workspace.UserID, which must
// name an existing user owning no workspace yet, and creates the workspace
// content folder.
func (s *Store) CreateWorkspace(workspace *metastore.Workspace) (*metastore.Workspace, error) {
	if workspace == nil || workspace.UserID == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "workspace user id is required")
	}
	if err := validateEntityName("workspace", workspace.FullName); err != nil {
		return nil, err
	}
	if codec.SanitizeWorkspaceName(workspace.FullName) == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "workspace name %q is empty once sanitized", workspace.FullName)
	}

	userID := workspace.UserID
	created := workspace.Clone()
	created.UniqueID = codec.EncodeWorkspaceID(userID, workspace.FullName)
	if created.Properties == nil {
		created.Properties = make(map[string]string)
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
		owner, err := s.decodeUser(data)
		if err != nil {
			return err
		}

		// The current schema allows at most one workspace per user. Project
		// documents are keyed by project id alone in the user directory, so a
		// second workspace would collide with the first on any shared project
		// name; the per-user lock granularity relies on this rule too.
		if len(owner.WorkspaceIDs) > 0 {
			return metastore.Errorf(metastore.ErrAlreadyExists,
				"user %q already owns workspace %q", userID, owner.WorkspaceIDs[0])
		}
		if metafile.Exists(dir, created.UniqueID) {
			return metastore.Errorf(metastore.ErrAlreadyExists, "workspace %q already exists", created.UniqueID)
		}

		doc, err := encodeWorkspace(created)
		if err != nil {
			return err
		}
		if err := metafile.Create(dir, created.UniqueID, doc); err != nil {
			return err
		}

		folder := s.workspaceFolder(created.UniqueID)
		if _, err := os.Stat(folder); os.IsNotExist(err) {
			if err := os.Mkdir(folder, 0o755); err != nil {
				return err
			}
		}

		return s.updateUserDocLocked(userID, func(u *metastore.User) {
			u.WorkspaceIDs = append(u.WorkspaceIDs, created.UniqueID)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("created workspace %q", created.UniqueID)
	return created, nil
}

// ReadWorkspace returns the workspace with the given id, or nil if it does
// not exist or its document is corrupt.
func (s *Store) ReadWorkspace(workspaceID string) (*metastore.Workspace, error) {
	if workspaceID == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "workspace id is required")
	}
	userID := codec.DecodeUserID(workspaceID)

	var workspace *metastore.Workspace
	err := s.withUserRead(userID, func() error {
		data, err := metafile.Read(s.userDir(userID), workspaceID)
		if err != nil {
			if metastore.IsCorruption(err) {
				return nil
			}
			return err
		}
		if data == nil {
			return nil
		}
		workspace, err = decodeWorkspace(data)
		if err != nil {
			if metastore.IsCorruption(err) {
				logger.Error("corrupt workspace document %q", workspaceID)
				workspace = nil
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return workspace, nil
}

// UpdateWorkspace persists changes to fullName, project list and properties.
// Properties merge by key like user properties.
func (s *Store) UpdateWorkspace(workspace *metastore.Workspace) error {
	if workspace == nil || workspace.UniqueID == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "workspace id is required")
	}

	userID := codec.DecodeUserID(workspace.UniqueID)
	return s.withUserWrite(userID, func() error {
		return s.updateWorkspaceDocLocked(userID, workspace.UniqueID, func(existing *metastore.Workspace) {
			if workspace.FullName != "" {
				existing.FullName = workspace.FullName
			}
			if workspace.ProjectNames != nil {
				existing.ProjectNames = workspace.ProjectNames
			}
			existing.Properties = mergeProperties(existing.Properties, workspace.Properties)
		})
	})
}

// DeleteWorkspace removes the workspace, its projects first.
func (s *Store) DeleteWorkspace(workspaceID string) error {
	if workspaceID == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "workspace id is required")
	}
	userID := codec.DecodeUserID(workspaceID)
	return s.withUserWrite(userID, func() error {
		return s.deleteWorkspaceLocked(userID, workspaceID, true)
	})
}

// deleteWorkspaceLocked cascades depth-first: projects, then the workspace
// document and its content folder. Caller holds the user's write lock.
// updateUser controls whether the owning user document is rewritten (skipped
// when the user itself is being deleted).
func (s *Store) deleteWorkspaceLocked(userID, workspaceID string, updateUser bool) error {
	dir := s.userDir(userID)
	data, err := metafile.Read(dir, workspaceID)
	if err != nil {
		return err
	}
	if data == nil {
		return metastore.Errorf(metastore.ErrIO, "workspace %q does not exist", workspaceID)
	}
	workspace, err := decodeWorkspace(data)
	if err != nil {
		return err
	}

	for _, projectName := range workspace.ProjectNames {
		if err := s.deleteProjectLocked(userID, workspaceID, projectName); err != nil {
			return err
		}
	}

	if err := metafile.Delete(dir, workspaceID); err != nil {
		return err
	}
	if err := metafile.DeleteFolder(s.workspaceFolder(workspaceID)); err != nil {
		return err
	}

	if !updateUser {
		return nil
	}
	return s.updateUserDocLocked(userID, func(u *metastore.User) {
		ids := u.WorkspaceIDs[:0]
		for _, id := range u.WorkspaceIDs {
			if id != workspaceID {
				ids = append(ids, id)
			}
		}
		u.WorkspaceIDs = ids
	})
}

// updateUserDocLocked rewrites the user document in place. Caller holds the
// user's write lock.
func (s *Store) updateUserDocLocked(userID string, mutate func(*metastore.User)) error {
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

	mutate(user)

	doc, err := s.encodeUser(user)
	if err != nil {
		return err
	}
	return metafile.Update(dir, metafile.UserMeta, doc)
}

// updateWorkspaceDocLocked rewrites a workspace document in place. Caller
// holds the owning user's write lock.
func (s *Store) updateWorkspaceDocLocked(userID, workspaceID string, mutate func(*metastore.Workspace)) error {
	dir := s.userDir(userID)
	data, err := metafile.Read(dir, workspaceID)
	if err != nil {
		return err
	}
	if data == nil {
		return metastore.Errorf(metastore.ErrIO, "workspace %q does not exist", workspaceID)
	}
	workspace, err := decodeWorkspace(data)
	if err != nil {
		return err
	}

	mutate(workspace)

	doc, err := encodeWorkspace(workspace)
	if err != nil {
		return err
	}
	return metafile.Update(dir, workspaceID, doc)
}

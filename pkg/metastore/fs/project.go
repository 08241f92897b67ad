package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/pkg/metastore"
)

// projectDefaultLocation computes the conventional content URI for a project
// without touching the filesystem, for comparisons against stored locations.
func (s *Store) projectDefaultLocation(workspaceID, projectName string) string {
	return fileURI(filepath.Join(s.workspaceFolder(workspaceID), codec.EncodeProjectID(projectName)))
}

// CreateProject persists a new project in project.WorkspaceID. An empty
// ContentLocation selects the default location and creates its folder;
// anything else is a linked location the store does not own.
func (s *Store) CreateProject(project *metastore.Project) (*metastore.Project, error) {
	if project == nil || project.WorkspaceID == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "project workspace id is required")
	}
	if err := validateEntityName("project", project.FullName); err != nil {
		return nil, err
	}

	created := project.Clone()
	created.UniqueID = codec.EncodeProjectID(created.FullName)
	if created.Properties == nil {
		created.Properties = make(map[string]string)
	}
	if err := checkReservedID(created.UniqueID); err != nil {
		return nil, err
	}

	userID := codec.DecodeUserID(created.WorkspaceID)
	err := s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		if !metafile.Exists(dir, created.WorkspaceID) {
			return metastore.Errorf(metastore.ErrIO, "workspace %q does not exist", created.WorkspaceID)
		}
		if metafile.Exists(dir, created.UniqueID) {
			return metastore.Errorf(metastore.ErrAlreadyExists, "project %q already exists", created.UniqueID)
		}

		if created.ContentLocation == "" {
			location, err := s.DefaultContentLocation(created.WorkspaceID, created.FullName)
			if err != nil {
				return err
			}
			created.ContentLocation = location
			folder := filepath.Join(s.workspaceFolder(created.WorkspaceID), created.UniqueID)
			if err := os.MkdirAll(folder, 0o755); err != nil {
				return err
			}
		}

		doc, err := s.encodeProject(created)
		if err != nil {
			return err
		}
		if err := metafile.Create(dir, created.UniqueID, doc); err != nil {
			return err
		}

		return s.updateWorkspaceDocLocked(userID, created.WorkspaceID, func(ws *metastore.Workspace) {
			ws.ProjectNames = append(ws.ProjectNames, created.FullName)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("created project %q in %q", created.UniqueID, created.WorkspaceID)
	return created, nil
}

// ReadProject returns the named project. Absence of both metadata and
// content folder, or a corrupt document, reads as nil. A content folder
// without metadata (created out of band through the filesystem) self-heals:
// a metadata record is synthesized, persisted and re-read.
func (s *Store) ReadProject(workspaceID, projectName string) (*metastore.Project, error) {
	return s.readProject(workspaceID, projectName, true)
}

func (s *Store) readProject(workspaceID, projectName string, allowHeal bool) (*metastore.Project, error) {
	if workspaceID == "" || projectName == "" {
		return nil, metastore.Errorf(metastore.ErrInvalidArgument, "workspace id and project name are required")
	}

	userID := codec.DecodeUserID(workspaceID)
	projectID := codec.EncodeProjectID(projectName)
	dir := s.userDir(userID)

	var project *metastore.Project
	healable := false
	err := s.withUserRead(userID, func() error {
		data, err := metafile.Read(dir, projectID)
		if err != nil {
			if metastore.IsCorruption(err) {
				return nil
			}
			return err
		}
		if data == nil {
			folder := filepath.Join(s.workspaceFolder(workspaceID), projectID)
			if info, err := os.Stat(folder); err == nil && info.IsDir() {
				healable = true
			}
			return nil
		}
		project, err = s.decodeProject(data)
		if err != nil {
			if metastore.IsCorruption(err) {
				logger.Error("corrupt project document %q", projectID)
				project = nil
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil || project != nil || !healable || !allowHeal {
		return project, err
	}

	err = s.withUserWrite(userID, func() error {
		if metafile.Exists(dir, projectID) {
			return nil
		}
		synthesized := &metastore.Project{
			UniqueID:        projectID,
			WorkspaceID:     workspaceID,
			FullName:        codec.DecodeProjectName(projectID),
			ContentLocation: s.projectDefaultLocation(workspaceID, projectName),
			Properties:      make(map[string]string),
		}
		doc, err := s.encodeProject(synthesized)
		if err != nil {
			return err
		}
		if err := metafile.Create(dir, projectID, doc); err != nil {
			return err
		}
		logger.Info("self-healed metadata for project %q in %q", projectID, workspaceID)
		return s.updateWorkspaceDocLocked(userID, workspaceID, func(ws *metastore.Workspace) {
			for _, name := range ws.ProjectNames {
				if name == synthesized.FullName {
					return
				}
			}
			ws.ProjectNames = append(ws.ProjectNames, synthesized.FullName)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.readProject(workspaceID, projectName, false)
}

// UpdateProject persists changes to the project. Three shapes of update are
// recognized, in order: a cross-user move requested through the transient
// NewUserIDProperty/NewWorkspaceIDProperty pair, a rename detected when the
// computed id no longer matches the stored id, and a plain field update.
func (s *Store) UpdateProject(project *metastore.Project) error {
	if project == nil || project.WorkspaceID == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "project workspace id is required")
	}
	if err := validateEntityName("project", project.FullName); err != nil {
		return err
	}

	if project.Properties[metastore.NewUserIDProperty] != "" || project.Properties[metastore.NewWorkspaceIDProperty] != "" {
		return s.moveProject(project)
	}

	computedID := codec.EncodeProjectID(project.FullName)
	if project.UniqueID != "" && project.UniqueID != computedID {
		return s.renameProject(project, project.UniqueID, computedID)
	}

	userID := codec.DecodeUserID(project.WorkspaceID)
	return s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		data, err := metafile.Read(dir, computedID)
		if err != nil {
			return err
		}
		if data == nil {
			return metastore.Errorf(metastore.ErrIO, "project %q does not exist", computedID)
		}
		existing, err := s.decodeProject(data)
		if err != nil {
			return err
		}

		existing.FullName = project.FullName
		existing.Properties = mergeProperties(existing.Properties, project.Properties)
		if project.ContentLocation != "" {
			existing.ContentLocation = project.ContentLocation
		}

		doc, err := s.encodeProject(existing)
		if err != nil {
			return err
		}
		return metafile.Update(dir, computedID, doc)
	})
}

// renameProject moves the metadata file to the new id and, only when the
// project used the default content location, moves the content folder and
// rewrites the location.
func (s *Store) renameProject(project *metastore.Project, oldID, newID string) error {
	if err := checkReservedID(newID); err != nil {
		return err
	}

	workspaceID := project.WorkspaceID
	userID := codec.DecodeUserID(workspaceID)
	return s.withUserWrite(userID, func() error {
		dir := s.userDir(userID)
		data, err := metafile.Read(dir, oldID)
		if err != nil {
			return err
		}
		if data == nil {
			return metastore.Errorf(metastore.ErrIO, "project %q does not exist", oldID)
		}
		if metafile.Exists(dir, newID) {
			return metastore.Errorf(metastore.ErrAlreadyExists, "project %q already exists", newID)
		}
		existing, err := s.decodeProject(data)
		if err != nil {
			return err
		}

		if err := metafile.Move(dir, oldID, dir, newID); err != nil {
			return err
		}

		oldName := codec.DecodeProjectName(oldID)
		wasDefault := existing.ContentLocation == s.projectDefaultLocation(workspaceID, oldName)
		if wasDefault {
			wsFolder := s.workspaceFolder(workspaceID)
			if err := metafile.MoveFolder(filepath.Join(wsFolder, oldID), filepath.Join(wsFolder, newID)); err != nil {
				return err
			}
			existing.ContentLocation = s.projectDefaultLocation(workspaceID, project.FullName)
		}

		existing.UniqueID = newID
		existing.FullName = project.FullName
		existing.Properties = mergeProperties(existing.Properties, project.Properties)

		doc, err := s.encodeProject(existing)
		if err != nil {
			return err
		}
		if err := metafile.Update(dir, newID, doc); err != nil {
			return err
		}

		return s.updateWorkspaceDocLocked(userID, workspaceID, func(ws *metastore.Workspace) {
			for i, name := range ws.ProjectNames {
				if name == oldName {
					ws.ProjectNames[i] = project.FullName
					return
				}
			}
			ws.ProjectNames = append(ws.ProjectNames, project.FullName)
		})
	})
}

// moveProject rewrites a project's ownership to another user and/or
// workspace as requested through the transient marker properties, then
// clears the markers. Both users' locks are held in canonical order.
func (s *Store) moveProject(project *metastore.Project) error {
	oldWorkspaceID := project.WorkspaceID
	oldUserID := codec.DecodeUserID(oldWorkspaceID)

	newUserID := project.Properties[metastore.NewUserIDProperty]
	newWorkspaceID := project.Properties[metastore.NewWorkspaceIDProperty]
	if newWorkspaceID == "" {
		newWorkspaceID = codec.EncodeWorkspaceID(newUserID, codec.DecodeWorkspaceName(oldWorkspaceID))
	}
	if newUserID == "" {
		newUserID = codec.DecodeUserID(newWorkspaceID)
	}

	first, second := s.locks.pair(oldUserID, newUserID)
	first.Lock()
	defer first.Unlock()
	if second != nil {
		second.Lock()
		defer second.Unlock()
	}

	projectID := project.UniqueID
	if projectID == "" {
		projectID = codec.EncodeProjectID(project.FullName)
	}
	oldDir := s.userDir(oldUserID)
	newDir := s.userDir(newUserID)

	// After a user rename the metadata file has already travelled with the
	// moved directory; only move it if it is still at the old location.
	if oldUserID != newUserID && metafile.Exists(oldDir, projectID) {
		if err := metafile.Move(oldDir, projectID, newDir, projectID); err != nil {
			return err
		}
	}

	data, err := metafile.Read(newDir, projectID)
	if err != nil {
		return err
	}
	if data == nil {
		return metastore.Errorf(metastore.ErrIO, "project %q does not exist", projectID)
	}
	existing, err := s.decodeProject(data)
	if err != nil {
		return err
	}

	oldPrefix := fileURI(filepath.Join(oldDir, codec.DecodeWorkspaceName(oldWorkspaceID)))
	newPrefix := fileURI(filepath.Join(newDir, codec.DecodeWorkspaceName(newWorkspaceID)))
	if existing.ContentLocation == oldPrefix || strings.HasPrefix(existing.ContentLocation, oldPrefix+"/") {
		rest := strings.TrimPrefix(existing.ContentLocation, oldPrefix)
		from := filepath.Join(oldDir, codec.DecodeWorkspaceName(oldWorkspaceID), projectID)
		to := filepath.Join(newDir, codec.DecodeWorkspaceName(newWorkspaceID), projectID)
		if _, err := os.Stat(from); err == nil {
			if err := metafile.MoveFolder(from, to); err != nil {
				return err
			}
		}
		existing.ContentLocation = newPrefix + rest
	}

	existing.WorkspaceID = newWorkspaceID
	merged := mergeProperties(existing.Properties, project.Properties)
	delete(merged, metastore.NewUserIDProperty)
	delete(merged, metastore.NewWorkspaceIDProperty)
	existing.Properties = merged

	doc, err := s.encodeProject(existing)
	if err != nil {
		return err
	}
	if err := metafile.Update(newDir, projectID, doc); err != nil {
		return err
	}

	if metafile.Exists(oldDir, oldWorkspaceID) {
		if err := s.updateWorkspaceDocLocked(oldUserID, oldWorkspaceID, func(ws *metastore.Workspace) {
			names := ws.ProjectNames[:0]
			for _, name := range ws.ProjectNames {
				if name != existing.FullName {
					names = append(names, name)
				}
			}
			ws.ProjectNames = names
		}); err != nil {
			return err
		}
	}
	if metafile.Exists(newDir, newWorkspaceID) {
		if err := s.updateWorkspaceDocLocked(newUserID, newWorkspaceID, func(ws *metastore.Workspace) {
			for _, name := range ws.ProjectNames {
				if name == existing.FullName {
					return
				}
			}
			ws.ProjectNames = append(ws.ProjectNames, existing.FullName)
		}); err != nil {
			return err
		}
	}

	logger.Info("moved project %q from %q to %q", projectID, oldWorkspaceID, newWorkspaceID)
	return nil
}

// DeleteProject removes the project's metadata and, for default-location
// projects, its content folder.
func (s *Store) DeleteProject(workspaceID, projectName string) error {
	if workspaceID == "" || projectName == "" {
		return metastore.Errorf(metastore.ErrInvalidArgument, "workspace id and project name are required")
	}
	userID := codec.DecodeUserID(workspaceID)
	return s.withUserWrite(userID, func() error {
		if err := s.deleteProjectLocked(userID, workspaceID, projectName); err != nil {
			return err
		}
		return s.updateWorkspaceDocLocked(userID, workspaceID, func(ws *metastore.Workspace) {
			names := ws.ProjectNames[:0]
			for _, name := range ws.ProjectNames {
				if name != projectName {
					names = append(names, name)
				}
			}
			ws.ProjectNames = names
		})
	})
}

// deleteProjectLocked removes one project's metadata and default-location
// folder. Caller holds the user's write lock and maintains the workspace
// document.
func (s *Store) deleteProjectLocked(userID, workspaceID, projectName string) error {
	projectID := codec.EncodeProjectID(projectName)
	dir := s.userDir(userID)

	data, err := metafile.Read(dir, projectID)
	if err != nil {
		return err
	}
	if data == nil {
		return metastore.Errorf(metastore.ErrIO, "project %q does not exist", projectID)
	}
	project, err := s.decodeProject(data)
	if err != nil {
		return err
	}

	if project.ContentLocation == s.projectDefaultLocation(workspaceID, projectName) {
		folder := filepath.Join(s.workspaceFolder(workspaceID), projectID)
		if err := metafile.DeleteFolder(folder); err != nil {
			return err
		}
	}
	return metafile.Delete(dir, projectID)
}

package metastore

// User is the account record for one tenant of the hosted environment.
//
// UniqueID equals UserName except transiently during a rename: callers
// request a rename by setting UserName to the new id and passing the record
// to UpdateUser while UniqueID still carries the old id.
type User struct {
	// UniqueID is the immutable user id (the current user name).
	UniqueID string

	// UserName is the login name. Differs from UniqueID only to request a
	// rename through UpdateUser.
	UserName string

	// FullName is the display name.
	FullName string

	// WorkspaceIDs lists the ids of the workspaces this user owns, in
	// creation order. Under the current schema a user owns at most one
	// workspace; legacy data may carry more until migration merges them.
	WorkspaceIDs []string

	// Properties holds arbitrary string-valued attributes. A handful of
	// values are special-cased on disk: UserRights (JSON array),
	// SiteConfigurations (JSON object) and Password (stored encrypted).
	Properties map[string]string
}

// Workspace groups the projects of one user. Exactly one user owns a
// workspace, and its id embeds that user's id.
type Workspace struct {
	// UniqueID is the workspace id: userID + "-" + sanitized workspace name.
	UniqueID string

	// UserID is the owning user's id.
	UserID string

	// FullName is the workspace display name as given at creation.
	FullName string

	// ProjectNames lists the full names (not ids) of contained projects.
	ProjectNames []string

	// Properties holds arbitrary string-valued attributes.
	Properties map[string]string
}

// Project is one source tree inside a workspace.
type Project struct {
	// UniqueID is derived from FullName (identity except for one reserved
	// character substitution on Windows).
	UniqueID string

	// WorkspaceID is the id of the containing workspace.
	WorkspaceID string

	// FullName is the project name.
	FullName string

	// ContentLocation is a URI pointing at the project's content folder.
	// Empty means the conventional child folder of the workspace (the
	// "default" location); anything else is a "linked" location the store
	// does not own or move.
	ContentLocation string

	// Properties holds arbitrary string-valued attributes.
	Properties map[string]string
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.WorkspaceIDs = append([]string(nil), u.WorkspaceIDs...)
	c.Properties = cloneProperties(u.Properties)
	return &c
}

// Clone returns a deep copy of the workspace.
func (w *Workspace) Clone() *Workspace {
	c := *w
	c.ProjectNames = append([]string(nil), w.ProjectNames...)
	c.Properties = cloneProperties(w.Properties)
	return &c
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	c := *p
	c.Properties = cloneProperties(p.Properties)
	return &c
}

func cloneProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	c := make(map[string]string, len(props))
	for k, v := range props {
		c[k] = v
	}
	return c
}

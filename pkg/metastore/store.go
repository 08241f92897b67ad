// Package metastore defines the metadata model and store contract for a
// multi-tenant hosted development environment: users own workspaces,
// workspaces contain projects, and every entity persists as a JSON document.
//
// The production implementation lives in pkg/metastore/fs and lays the
// documents out in a sharded directory tree. This package holds only the
// value types, the error taxonomy and the MetadataStore interface so that
// protocol layers and tests depend on the contract, not the backend.
package metastore

// UserNameProperty is the built-in indexed property mapping login names to
// user ids. It is always registered and bypasses the property cache: lookups
// against it resolve through directory existence instead.
const UserNameProperty = "UserName"

// Transient project properties recognized by UpdateProject to request a move
// of the project to another user and/or workspace. Both are cleared once the
// move completes and are never persisted.
const (
	NewUserIDProperty      = "newUserId"
	NewWorkspaceIDProperty = "newWorkspaceId"
)

// MetadataStore is the facade for all metadata CRUD.
//
// Lookups return a nil entity (and nil error) when the target does not
// exist. Real faults surface as *StoreError values carrying a typed code;
// infrastructure failures are returned wrapped.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// Operations touching the same user serialize on that user's lock; reads of
// stale-versioned data upgrade it transparently before returning.
type MetadataStore interface {
	// CreateUser persists a new user. The user's UserName is validated and
	// becomes its UniqueID. Fails with ErrAlreadyExists if the id is taken.
	CreateUser(user *User) (*User, error)

	// ReadUser returns the user with the given id, or nil if it does not
	// exist. A corrupt user document fails the read outright with
	// ErrCorruption and never triggers a write.
	ReadUser(userID string) (*User, error)

	// GetOrCreateUser composes "read, else create": it returns the existing
	// user or persists and returns a minimal new one. This is the legacy
	// read-side behavior callers opt into explicitly.
	GetOrCreateUser(userID string) (*User, error)

	// UpdateUser persists changes to fullName, workspace list and
	// properties. If user.UserName differs from user.UniqueID the user is
	// renamed: its directory moves, and every owned workspace, contained
	// project and rights property is rewritten to the new id.
	UpdateUser(user *User) error

	// DeleteUser removes the user and cascades depth-first through its
	// workspaces and their projects.
	DeleteUser(userID string) error

	// ReadAllUsers lists every user found in the store.
	ReadAllUsers() ([]*User, error)

	// ReadUserByProperty finds the first user whose registered property key
	// has the given value. Matching is exact, or regular-expression when
	// regex is true; ignoreCase applies to either mode. Querying an
	// unregistered key (other than UserNameProperty) is a configuration
	// error.
	ReadUserByProperty(key, value string, regex, ignoreCase bool) (*User, error)

	// RegisterUserProperties adds keys to the property index.
	// Re-registering a key is a configuration error. Registering any key
	// other than UserNameProperty triggers a cold backfill scan of every
	// on-disk user.
	RegisterUserProperties(keys []string) error

	// CreateWorkspace persists a new workspace for workspace.UserID, which
	// must name an existing user. A user owns at most one workspace; creating
	// a second fails with ErrAlreadyExists until the first is deleted.
	CreateWorkspace(workspace *Workspace) (*Workspace, error)

	// ReadWorkspace returns the workspace with the given id, or nil if it
	// does not exist or its document is corrupt.
	ReadWorkspace(workspaceID string) (*Workspace, error)

	// UpdateWorkspace persists changes to fullName, project list and
	// properties.
	UpdateWorkspace(workspace *Workspace) error

	// DeleteWorkspace removes the workspace and cascades through its
	// projects first.
	DeleteWorkspace(workspaceID string) error

	// CreateProject persists a new project in project.WorkspaceID. An empty
	// ContentLocation selects the default location and creates its folder.
	CreateProject(project *Project) (*Project, error)

	// ReadProject returns the named project, or nil if neither its metadata
	// nor its content folder exist, or its document is corrupt. If only the
	// content folder exists the read self-heals by synthesizing and
	// persisting a metadata record.
	ReadProject(workspaceID, projectName string) (*Project, error)

	// UpdateProject persists changes. A FullName whose computed id differs
	// from UniqueID renames the project, moving the metadata file and, for
	// default-location projects only, the content folder. The transient
	// NewUserIDProperty/NewWorkspaceIDProperty pair requests a cross-user
	// move instead.
	UpdateProject(project *Project) error

	// DeleteProject removes the project's metadata and, for
	// default-location projects, its content folder.
	DeleteProject(workspaceID, projectName string) error

	// DefaultContentLocation computes the conventional content URI for a
	// project of the given workspace and creates the folder's parents.
	DefaultContentLocation(workspaceID, projectName string) (string, error)

	// UserHome returns the file URI of the user's metadata directory.
	UserHome(userID string) string

	// WorkspaceContentLocation returns the file URI of the workspace's
	// content folder.
	WorkspaceContentLocation(workspaceID string) string
}

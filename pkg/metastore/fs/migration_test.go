package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/pkg/metastore"
)

// writeLegacyDocument writes a raw JSON document the way pre-migration code
// did, bypassing the store entirely.
func writeLegacyDocument(t *testing.T, dir, name string, doc map[string]any) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(metafile.File(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildLegacyUser lays out a user in the pre-flattening format: one folder
// per workspace holding workspace.json, project documents and content
// folders.
func buildLegacyUser(t *testing.T, root, userID string, workspaces map[string][]string) string {
	t.Helper()
	userDir := filepath.Join(root, userID[:2], userID)

	workspaceIDs := make([]string, 0, len(workspaces))
	for workspaceID := range workspaces {
		workspaceIDs = append(workspaceIDs, workspaceID)
	}

	writeLegacyDocument(t, userDir, metafile.UserMeta, map[string]any{
		"OrionVersion": OldestSupportedVersion,
		"UniqueId":     userID,
		"UserName":     userID,
		"FullName":     userID,
		"WorkspaceIds": workspaceIDs,
		"Properties":   map[string]any{},
	})

	for workspaceID, projects := range workspaces {
		wsDir := filepath.Join(userDir, workspaceID)
		writeLegacyDocument(t, wsDir, metafile.WorkspaceMeta, map[string]any{
			"OrionVersion": OldestSupportedVersion,
			"UniqueId":     workspaceID,
			"UserId":       userID,
			"FullName":     workspaceID,
			"ProjectNames": projects,
		})
		for _, project := range projects {
			writeLegacyDocument(t, wsDir, project, map[string]any{
				"OrionVersion":    OldestSupportedVersion,
				"UniqueId":        project,
				"WorkspaceId":     workspaceID,
				"FullName":        project,
				"ContentLocation": "file://" + filepath.ToSlash(filepath.Join(wsDir, project)),
			})
			contentFile := filepath.Join(wsDir, project, "file.txt")
			if err := os.MkdirAll(filepath.Dir(contentFile), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(contentFile, []byte("content"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return userDir
}

func TestMigrationFlattensLegacyLayout(t *testing.T) {
	root := t.TempDir()
	userDir := buildLegacyUser(t, root, "anthony", map[string][]string{
		"anthony-OrionContent": {"Pigeon"},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	// A plain read performs the upgrade.
	user, err := store.ReadUser("anthony")
	if err != nil {
		t.Fatalf("ReadUser failed: %v", err)
	}
	if user == nil {
		t.Fatal("ReadUser returned nil")
	}

	doc := readStoredDocument(t, metafile.File(userDir, metafile.UserMeta))
	if int(doc["OrionVersion"].(float64)) != CurrentVersion {
		t.Errorf("User version = %v, want %d", doc["OrionVersion"], CurrentVersion)
	}

	// Workspace and project documents were lifted into the user directory.
	if !metafile.Exists(userDir, "anthony-OrionContent") {
		t.Error("Flattened workspace document missing")
	}
	if !metafile.Exists(userDir, "Pigeon") {
		t.Error("Flattened project document missing")
	}
	if _, err := os.Stat(filepath.Join(userDir, "anthony-OrionContent", metafile.WorkspaceMeta+metafile.Extension)); !os.IsNotExist(err) {
		t.Error("Legacy workspace folder still holds workspace.json")
	}

	workspace, err := store.ReadWorkspace("anthony-OrionContent")
	if err != nil || workspace == nil {
		t.Fatalf("ReadWorkspace after migration: %+v, %v", workspace, err)
	}
	if len(workspace.ProjectNames) != 1 || workspace.ProjectNames[0] != "Pigeon" {
		t.Errorf("ProjectNames = %v", workspace.ProjectNames)
	}

	project, err := store.ReadProject("anthony-OrionContent", "Pigeon")
	if err != nil || project == nil {
		t.Fatalf("ReadProject after migration: %+v, %v", project, err)
	}
	if project.WorkspaceID != "anthony-OrionContent" {
		t.Errorf("Project workspace id = %q", project.WorkspaceID)
	}

	// Content followed the folder rename to the bare workspace name.
	data, err := os.ReadFile(filepath.Join(userDir, "OrionContent", "Pigeon", "file.txt"))
	if err != nil || string(data) != "content" {
		t.Errorf("Project content lost in migration: %q, %v", data, err)
	}
}

func TestMigrationMergesMultipleWorkspaces(t *testing.T) {
	root := t.TempDir()
	userDir := buildLegacyUser(t, root, "anthony", map[string][]string{
		"anthony-AWork": {"ProjectOne"},
		"anthony-BWork": {"ProjectTwo"},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	user, err := store.ReadUser("anthony")
	if err != nil || user == nil {
		t.Fatalf("ReadUser failed: %+v, %v", user, err)
	}

	// Exactly one workspace survives.
	if len(user.WorkspaceIDs) != 1 {
		t.Fatalf("WorkspaceIDs after merge = %v", user.WorkspaceIDs)
	}
	canonical := user.WorkspaceIDs[0]

	workspace, err := store.ReadWorkspace(canonical)
	if err != nil || workspace == nil {
		t.Fatalf("ReadWorkspace failed: %+v, %v", workspace, err)
	}
	if len(workspace.ProjectNames) != 2 {
		t.Errorf("Merged project list = %v", workspace.ProjectNames)
	}

	for _, name := range []string{"ProjectOne", "ProjectTwo"} {
		project, err := store.ReadProject(canonical, name)
		if err != nil || project == nil {
			t.Fatalf("ReadProject(%q) failed: %+v, %v", name, project, err)
		}
		if project.WorkspaceID != canonical {
			t.Errorf("Project %q workspace id = %q, want %q", name, project.WorkspaceID, canonical)
		}
	}

	// The superseded workspace document is gone.
	for _, workspaceID := range []string{"anthony-AWork", "anthony-BWork"} {
		if workspaceID == canonical {
			continue
		}
		if metafile.Exists(userDir, workspaceID) {
			t.Errorf("Superseded workspace document %q survived", workspaceID)
		}
	}

	// Rights were synthesized against the canonical workspace only.
	rights := user.Properties[UserRightsProperty]
	if rights == "" {
		t.Fatal("No rights property synthesized")
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(rights), &entries); err != nil {
		t.Fatalf("Rights are not a JSON list: %v", err)
	}
	for _, entry := range entries {
		uri := entry["Uri"].(string)
		for _, workspaceID := range []string{"anthony-AWork", "anthony-BWork"} {
			if workspaceID != canonical && uri == "/workspace/"+workspaceID {
				t.Errorf("Rights reference superseded workspace: %s", uri)
			}
		}
	}
}

func TestMigrationNormalizesLegacyUserFields(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "an", "anthony")

	staleToken := fmt.Sprintf("%d-reset", time.Now().Add(-8*24*time.Hour).UnixMilli())
	writeLegacyDocument(t, userDir, metafile.UserMeta, map[string]any{
		"OrionVersion":       7,
		"UniqueId":           "anthony",
		"UserName":           "anthony",
		"FullName":           "Anthony",
		"WorkspaceIds":       []string{},
		"Properties":         map[string]any{},
		"email":              "anthony@example.com",
		"blocked":            true,
		"diskusage":          "14M",
		"lastlogintimestamp": 1404691407423,
		"GitName":            "Anthony",
		"GitMail":            "anthony@example.com",
		"profileProperties": map[string]any{
			"openid":          "https://openid.example.com/anthony",
			"oauth":           "github/12345",
			"passwordResetId": staleToken,
		},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	user, err := store.ReadUser("anthony")
	if err != nil || user == nil {
		t.Fatalf("ReadUser failed: %+v, %v", user, err)
	}

	want := map[string]string{
		"Email":              "anthony@example.com",
		"Blocked":            "true",
		"DiskUsage":          "14M",
		"LastLoginTimestamp": "1404691407423",
		"Openid":             "https://openid.example.com/anthony",
		"OAuth":              "github/12345",
	}
	for key, value := range want {
		if user.Properties[key] != value {
			t.Errorf("Properties[%q] = %q, want %q", key, user.Properties[key], value)
		}
	}

	// Stale reset tokens are dropped, not migrated.
	if _, ok := user.Properties["PasswordResetId"]; ok {
		t.Error("Stale password reset token survived migration")
	}

	// Git identity collapses into one consolidated property.
	var gitInfo map[string]string
	if err := json.Unmarshal([]byte(user.Properties[GitUserInfoProperty]), &gitInfo); err != nil {
		t.Fatalf("Git info is not JSON: %v", err)
	}
	if gitInfo["GitName"] != "Anthony" || gitInfo["GitMail"] != "anthony@example.com" {
		t.Errorf("Git info = %v", gitInfo)
	}

	// The legacy top-level fields are gone from the document itself.
	doc := readStoredDocument(t, metafile.File(userDir, metafile.UserMeta))
	for _, field := range []string{"email", "blocked", "diskusage", "lastlogintimestamp", "GitName", "GitMail", "profileProperties"} {
		if _, ok := doc[field]; ok {
			t.Errorf("Legacy field %q survived migration", field)
		}
	}
}

func TestMigrationKeepsFreshPasswordResetToken(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "bo", "bob")

	freshToken := fmt.Sprintf("%d-reset", time.Now().Add(-time.Hour).UnixMilli())
	writeLegacyDocument(t, userDir, metafile.UserMeta, map[string]any{
		"OrionVersion": 7,
		"UniqueId":     "bob",
		"UserName":     "bob",
		"FullName":     "Bob",
		"WorkspaceIds": []string{},
		"Properties":   map[string]any{},
		"profileProperties": map[string]any{
			"passwordResetId": freshToken,
		},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatal(err)
	}
	user, err := store.ReadUser("bob")
	if err != nil || user == nil {
		t.Fatalf("ReadUser failed: %+v, %v", user, err)
	}
	if user.Properties["PasswordResetId"] != freshToken {
		t.Errorf("Fresh reset token lost: %v", user.Properties)
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	root := t.TempDir()
	userDir := buildLegacyUser(t, root, "anthony", map[string][]string{
		"anthony-Work": {"Pigeon"},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReadUser("anthony"); err != nil {
		t.Fatalf("First read failed: %v", err)
	}

	required, err := store.migrationRequired("anthony")
	if err != nil {
		t.Fatalf("migrationRequired failed: %v", err)
	}
	if required {
		t.Error("Migration still required after migrating")
	}

	before, err := os.ReadFile(metafile.File(userDir, metafile.UserMeta))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReadUser("anthony"); err != nil {
		t.Fatalf("Second read failed: %v", err)
	}
	after, _ := os.ReadFile(metafile.File(userDir, metafile.UserMeta))
	if string(before) != string(after) {
		t.Error("Second read rewrote an already-migrated document")
	}
}

func TestMigrationRefusesNewerUserDocument(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "an", "anthony")
	writeLegacyDocument(t, userDir, metafile.UserMeta, map[string]any{
		"OrionVersion": CurrentVersion + 1,
		"UniqueId":     "anthony",
		"UserName":     "anthony",
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReadUser("anthony"); !metastore.IsConfiguration(err) {
		t.Errorf("Expected configuration error for newer document, got %v", err)
	}
}

func TestConcurrentMigrationHappensOnce(t *testing.T) {
	root := t.TempDir()
	userDir := buildLegacyUser(t, root, "anthony", map[string][]string{
		"anthony-Work": {"Pigeon"},
	})

	store, err := New(Config{Path: root})
	if err != nil {
		t.Fatal(err)
	}

	// Many readers race on a stale user. The double-checked upgrade must
	// migrate exactly once; afterwards the tree is consistent and current.
	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ReadUser("anthony")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent ReadUser failed: %v", err)
		}
	}

	user, err := store.ReadUser("anthony")
	if err != nil || user == nil {
		t.Fatalf("ReadUser after race: %+v, %v", user, err)
	}
	if len(user.WorkspaceIDs) != 1 || user.WorkspaceIDs[0] != "anthony-Work" {
		t.Errorf("WorkspaceIDs after race = %v (duplicate migration?)", user.WorkspaceIDs)
	}

	doc := readStoredDocument(t, metafile.File(userDir, metafile.UserMeta))
	if int(doc["OrionVersion"].(float64)) != CurrentVersion {
		t.Errorf("Version after race = %v", doc["OrionVersion"])
	}

	workspace, _ := store.ReadWorkspace("anthony-Work")
	if workspace == nil || len(workspace.ProjectNames) != 1 {
		t.Errorf("Workspace after race = %+v", workspace)
	}
}

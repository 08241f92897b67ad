package metafile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/workhub/metastore/pkg/metastore"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create parent dirs: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestCreateReadUpdateDelete(t *testing.T) {
	dir := t.TempDir()

	if err := Create(dir, "user", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !Exists(dir, "user") {
		t.Fatal("Meta file should exist after Create")
	}

	// Creating again is a conflict.
	err := Create(dir, "user", []byte(`{}`))
	if !metastore.IsAlreadyExists(err) {
		t.Fatalf("Expected already-exists error, got %v", err)
	}

	data, err := Read(dir, "user")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("Read returned %q", data)
	}

	if err := Update(dir, "user", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	data, _ = Read(dir, "user")
	if string(data) != `{"a":2}` {
		t.Errorf("Read after Update returned %q", data)
	}

	if err := Delete(dir, "user"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if Exists(dir, "user") {
		t.Error("Meta file should not exist after Delete")
	}
}

func TestReadAbsentIsNil(t *testing.T) {
	dir := t.TempDir()

	data, err := Read(dir, "nope")
	if err != nil {
		t.Fatalf("Read of absent file returned error: %v", err)
	}
	if data != nil {
		t.Errorf("Read of absent file returned data: %q", data)
	}

	// Read must not materialize the file as a side effect.
	if Exists(dir, "nope") {
		t.Error("Read created the meta file")
	}
}

func TestReadCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, File(dir, "user"), "{not json")

	_, err := Read(dir, "user")
	if !metastore.IsCorruption(err) {
		t.Fatalf("Expected corruption error, got %v", err)
	}

	// The corrupt file must survive untouched for forensics.
	data, readErr := os.ReadFile(File(dir, "user"))
	if readErr != nil || string(data) != "{not json" {
		t.Errorf("Corrupt file was modified: %q, %v", data, readErr)
	}
}

func TestReadWaitsForExclusiveLock(t *testing.T) {
	dir := t.TempDir()
	if err := Create(dir, "user", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A writer elsewhere holds the exclusive lock. Read must block until it
	// is released instead of observing the file mid-write.
	lock := flock.New(File(dir, "user"))
	if err := lock.Lock(); err != nil {
		t.Fatalf("Failed to take exclusive lock: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		data, err := Read(dir, "user")
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- string(data)
	}()

	select {
	case got := <-done:
		t.Fatalf("Read returned %q while the exclusive lock was held", got)
	case <-time.After(100 * time.Millisecond):
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	select {
	case got := <-done:
		if got != `{"a":1}` {
			t.Errorf("Read after unlock returned %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not complete after the lock was released")
	}
}

func TestUpdateAndDeleteMissingAreFatal(t *testing.T) {
	dir := t.TempDir()

	if err := Update(dir, "ghost", []byte(`{}`)); err == nil {
		t.Error("Update of missing file should fail")
	}
	if err := Delete(dir, "ghost"); err == nil {
		t.Error("Delete of missing file should fail")
	}
}

func TestCreateRequiresParentDirectory(t *testing.T) {
	dir := t.TempDir()

	if err := Create(filepath.Join(dir, "missing"), "user", []byte(`{}`)); err == nil {
		t.Error("Create under missing parent should fail")
	}
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()

	if err := Create(dir, "a", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := Move(dir, "a", other, "b"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if Exists(dir, "a") {
		t.Error("Source should be gone after Move")
	}
	data, _ := Read(other, "b")
	if string(data) != `{"x":1}` {
		t.Errorf("Moved content mismatch: %q", data)
	}

	// Moving onto an existing target is a conflict.
	if err := Create(dir, "a", []byte(`{}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := Move(dir, "a", other, "b"); !metastore.IsAlreadyExists(err) {
		t.Errorf("Expected already-exists error, got %v", err)
	}
}

func TestFolders(t *testing.T) {
	dir := t.TempDir()

	if err := CreateFolder(dir, "ws"); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if !FolderExists(dir, "ws") {
		t.Error("Folder should exist")
	}
	if err := CreateFolder(dir, "ws"); !metastore.IsAlreadyExists(err) {
		t.Errorf("Expected already-exists error, got %v", err)
	}

	if err := MoveFolder(Folder(dir, "ws"), filepath.Join(dir, "deep", "ws2")); err != nil {
		t.Fatalf("MoveFolder failed: %v", err)
	}
	if FolderExists(dir, "ws") {
		t.Error("Source folder should be gone")
	}

	if err := DeleteFolder(filepath.Join(dir, "deep")); err != nil {
		t.Fatalf("DeleteFolder failed: %v", err)
	}
}

func TestArchivePreservesRelativePath(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "an", "anthony", "stray.txt")
	writeFile(t, orphan, "data")

	Archive(root, orphan)

	archived := filepath.Join(root, ArchiveDir, "an", "anthony", "stray.txt")
	data, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("Archived file not found: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("Archived content mismatch: %q", data)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("Orphan should have been moved")
	}
}

func TestArchiveDeletesEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	empty := filepath.Join(root, "an", "empty")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	Archive(root, empty)

	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("Empty orphan directory should be deleted, not archived")
	}
	if _, err := os.Stat(filepath.Join(root, ArchiveDir)); !os.IsNotExist(err) {
		t.Error("No archive folder should be created for an empty orphan")
	}
}

func TestArchiveCollisionGetsSuffix(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "an", "x.txt"), "first")
	Archive(root, filepath.Join(root, "an", "x.txt"))
	writeFile(t, filepath.Join(root, "an", "x.txt"), "second")
	Archive(root, filepath.Join(root, "an", "x.txt"))

	entries, err := os.ReadDir(filepath.Join(root, ArchiveDir, "an"))
	if err != nil {
		t.Fatalf("Failed to list archive: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 archived entries, got %d", len(entries))
	}
}

func TestListUserFolders(t *testing.T) {
	root := t.TempDir()

	// Two valid users.
	writeFile(t, filepath.Join(root, "an", "anthony", "user.json"), `{}`)
	writeFile(t, filepath.Join(root, "bo", "bob", "user.json"), `{}`)

	// Entries that must be skipped silently: the version marker, the archive
	// area, and flat files such as operator config dropped next to the store.
	writeFile(t, File(root, RootMeta), `{"OrionVersion":8}`)
	writeFile(t, filepath.Join(root, "config.yaml"), "store: {}")
	if err := os.MkdirAll(filepath.Join(root, ArchiveDir), 0o755); err != nil {
		t.Fatal(err)
	}

	// A directory without a user document is archived.
	writeFile(t, filepath.Join(root, "ca", "carol", "notes.txt"), "junk")

	users, err := ListUserFolders(root)
	if err != nil {
		t.Fatalf("ListUserFolders failed: %v", err)
	}
	if len(users) != 2 || users[0] != "anthony" || users[1] != "bob" {
		t.Errorf("ListUserFolders returned %v", users)
	}

	if _, err := os.Stat(filepath.Join(root, ArchiveDir, "ca", "carol")); err != nil {
		t.Errorf("Invalid user folder was not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "config.yaml")); err != nil {
		t.Errorf("Flat root file was not left in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ArchiveDir, "config.yaml")); !os.IsNotExist(err) {
		t.Error("Flat root file was archived instead of skipped")
	}
}

func TestRootVersionRoundTrip(t *testing.T) {
	root := t.TempDir()

	version, err := ReadRootVersion(root)
	if err != nil || version != 0 {
		t.Fatalf("Missing marker should read as 0, got %d, %v", version, err)
	}

	if err := WriteRootVersion(root, 8); err != nil {
		t.Fatalf("WriteRootVersion failed: %v", err)
	}
	version, err = ReadRootVersion(root)
	if err != nil {
		t.Fatalf("ReadRootVersion failed: %v", err)
	}
	if version != 8 {
		t.Errorf("Expected version 8, got %d", version)
	}
}

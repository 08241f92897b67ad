package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/internal/metafile"
	"github.com/workhub/metastore/pkg/metastore"
)

// GitUserInfoProperty consolidates the legacy GitName/GitMail user fields.
const GitUserInfoProperty = "git/config/userInfo"

// passwordResetMaxAge is how long a pending password reset token survives a
// migration before being dropped as stale.
const passwordResetMaxAge = 7 * 24 * time.Hour

// migrationRequired inspects the user's on-disk document version. A missing
// user needs no migration; a missing or stale version field does; a version
// newer than the running code is a fatal configuration error. Corrupt
// documents are left alone so the read path can report them untouched.
func (s *Store) migrationRequired(userID string) (bool, error) {
	dir := s.userDir(userID)
	data, err := metafile.Read(dir, metafile.UserMeta)
	if err != nil {
		if metastore.IsCorruption(err) {
			return false, nil
		}
		return false, err
	}
	if data == nil {
		return false, nil
	}

	var doc struct {
		SchemaVersion *int `json:"OrionVersion"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, nil
	}
	if doc.SchemaVersion == nil {
		return true, nil
	}
	if *doc.SchemaVersion > CurrentVersion {
		return false, metastore.PathErrorf(metastore.ErrConfiguration, dir,
			"user %q has version %d, newer than supported version %d", userID, *doc.SchemaVersion, CurrentVersion)
	}
	return *doc.SchemaVersion < CurrentVersion, nil
}

// migrateUser upgrades one user's on-disk tree to the current layout and
// version. Caller holds the user's write lock. The user document's version
// field is bumped last: migration only counts as complete once that final
// write lands, so a crash mid-way re-runs the (idempotent) steps on the next
// access.
func (s *Store) migrateUser(userID string) error {
	dir := s.userDir(userID)
	raw, err := metafile.Read(dir, metafile.UserMeta)
	if err != nil || raw == nil {
		return err
	}

	var userDoc map[string]any
	if err := json.Unmarshal(raw, &userDoc); err != nil {
		return metastore.PathErrorf(metastore.ErrCorruption, dir, "user document: %v", err)
	}

	from := docVersion(userDoc)
	logger.Info("migrating user %q from version %d to %d", userID, from, CurrentVersion)

	if err := s.flattenWorkspaceFolders(dir); err != nil {
		return err
	}
	if err := s.mergeLegacyWorkspaces(dir, userID, userDoc); err != nil {
		return err
	}
	normalizeLegacyUserFields(userDoc)
	if err := s.bumpSiblingDocuments(dir); err != nil {
		return err
	}

	userDoc["OrionVersion"] = CurrentVersion
	doc, err := json.MarshalIndent(userDoc, "", "\t")
	if err != nil {
		return fmt.Errorf("encode migrated user %q: %w", userID, err)
	}
	return metafile.Update(dir, metafile.UserMeta, doc)
}

// flattenWorkspaceFolders lifts metadata files out of legacy per-workspace
// folders into the user's directory. In the old layout each workspace was a
// subdirectory holding workspace.json plus one JSON file per project; the
// current layout keeps every metadata file flat in the user directory and
// renames the workspace folder to the bare workspace name so it holds content
// only. Anything unrecognized inside a legacy folder is archived.
func (s *Store) flattenWorkspaceFolders(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), codec.Separator) {
			continue
		}
		workspaceID := entry.Name()
		folder := filepath.Join(dir, workspaceID)
		if !metafile.Exists(folder, metafile.WorkspaceMeta) {
			continue
		}

		if !metafile.Exists(dir, workspaceID) {
			if err := metafile.Move(folder, metafile.WorkspaceMeta, dir, workspaceID); err != nil {
				return err
			}
		} else if err := os.Remove(filepath.Join(folder, metafile.WorkspaceMeta+metafile.Extension)); err != nil {
			return err
		}

		workspaceName := codec.DecodeWorkspaceName(workspaceID)
		oldPrefix := fileURI(folder)
		newPrefix := fileURI(filepath.Join(dir, workspaceName))

		inner, err := os.ReadDir(folder)
		if err != nil {
			return err
		}
		for _, item := range inner {
			name := item.Name()
			if item.IsDir() {
				// Content folders travel with the renamed workspace folder.
				continue
			}
			if !strings.HasSuffix(name, metafile.Extension) {
				metafile.Archive(s.root, filepath.Join(folder, name))
				continue
			}
			base := strings.TrimSuffix(name, metafile.Extension)
			projectID := codec.EncodeProjectID(codec.DecodeProjectName(base))
			target := projectID
			if metafile.Exists(dir, target) {
				target = workspaceID + codec.Separator + projectID
			}
			if err := metafile.Move(folder, base, dir, target); err != nil {
				return err
			}
			if err := rewriteRawDocument(dir, target, func(doc map[string]any) {
				doc["WorkspaceId"] = workspaceID
				rewriteLocationPrefix(doc, oldPrefix, newPrefix)
			}); err != nil {
				return err
			}
		}

		// Rename the emptied metadata folder to the workspace name so it
		// becomes the content folder of the current layout.
		contentFolder := filepath.Join(dir, workspaceName)
		if _, err := os.Stat(contentFolder); os.IsNotExist(err) {
			if err := metafile.MoveFolder(folder, contentFolder); err != nil {
				return err
			}
		} else {
			metafile.Archive(s.root, folder)
		}
	}

	return nil
}

// mergeLegacyWorkspaces enforces the single-workspace rule of the current
// schema. When more than one workspace document survives flattening, the
// first in workspaceIds order becomes canonical; every other workspace's
// projects move into it, the superseded workspace files and folders are
// removed, and the user's workspace list and access rights are rewritten to
// reference only the canonical workspace.
func (s *Store) mergeLegacyWorkspaces(dir, userID string, userDoc map[string]any) error {
	ids := workspaceIDsOf(userDoc)
	onDisk := listWorkspaceDocs(dir)
	for _, id := range onDisk {
		found := false
		for _, known := range ids {
			if known == id {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, id)
		}
	}
	if len(ids) <= 1 {
		if len(ids) == 1 {
			setWorkspaceIDs(userDoc, ids)
		}
		return nil
	}

	canonical := ids[0]
	canonicalName := codec.DecodeWorkspaceName(canonical)
	logger.Info("merging %d legacy workspaces of user %q into %q", len(ids), userID, canonical)

	var canonicalDoc map[string]any
	if err := readRawDocument(dir, canonical, &canonicalDoc); err != nil {
		return err
	}
	if canonicalDoc == nil {
		return metastore.PathErrorf(metastore.ErrCorruption, dir, "canonical workspace %q has no document", canonical)
	}

	for _, other := range ids[1:] {
		var otherDoc map[string]any
		if err := readRawDocument(dir, other, &otherDoc); err != nil {
			return err
		}
		if otherDoc == nil {
			continue
		}
		otherName := codec.DecodeWorkspaceName(other)

		for _, projectName := range projectNamesOf(otherDoc) {
			projectID := codec.EncodeProjectID(projectName)
			metaName := projectID
			if !metafile.Exists(dir, metaName) {
				metaName = other + codec.Separator + projectID
			}
			if metafile.Exists(dir, metaName) && metaName != projectID && !metafile.Exists(dir, projectID) {
				if err := metafile.Move(dir, metaName, dir, projectID); err != nil {
					return err
				}
				metaName = projectID
			}

			from := filepath.Join(dir, otherName, projectID)
			to := filepath.Join(dir, canonicalName, projectID)
			if _, err := os.Stat(from); err == nil {
				if err := os.MkdirAll(filepath.Join(dir, canonicalName), 0o755); err != nil {
					return err
				}
				if err := metafile.MoveFolder(from, to); err != nil {
					return err
				}
			}

			if metafile.Exists(dir, metaName) {
				if err := rewriteRawDocument(dir, metaName, func(doc map[string]any) {
					doc["WorkspaceId"] = canonical
					rewriteLocationPrefix(doc, fileURI(filepath.Join(dir, otherName)), fileURI(filepath.Join(dir, canonicalName)))
				}); err != nil {
					return err
				}
			}

			appendProjectName(canonicalDoc, projectName)
		}

		if err := metafile.Delete(dir, other); err != nil {
			return err
		}
		if err := metafile.DeleteFolder(filepath.Join(dir, otherName)); err != nil {
			return err
		}
	}

	doc, err := json.MarshalIndent(canonicalDoc, "", "\t")
	if err != nil {
		return err
	}
	if err := metafile.Update(dir, canonical, doc); err != nil {
		return err
	}

	setWorkspaceIDs(userDoc, []string{canonical})
	setUserProperty(userDoc, UserRightsProperty, synthesizeUserRights(userID, canonical))
	return nil
}

// synthesizeUserRights builds the access rights value granting the user full
// control over their own profile and the canonical workspace.
func synthesizeUserRights(userID, workspaceID string) string {
	type right struct {
		Method int    `json:"Method"`
		URI    string `json:"Uri"`
	}
	rights := []right{
		{15, "/users/" + userID},
		{15, "/workspace/" + workspaceID},
		{15, "/workspace/" + workspaceID + "/*"},
		{15, "/file/" + workspaceID},
		{15, "/file/" + workspaceID + "/*"},
	}
	data, _ := json.Marshal(rights)
	return string(data)
}

// legacyFieldMap maps ad hoc top-level fields of old user documents to the
// property keys they normalize into.
var legacyFieldMap = map[string]string{
	"email":              "Email",
	"blocked":            "Blocked",
	"diskusage":          "DiskUsage",
	"diskusagetimestamp": "DiskUsageTimestamp",
	"lastlogintimestamp": "LastLoginTimestamp",
	"email_confirmation": "EmailConfirmationId",
	"password":           PasswordProperty,
}

// normalizeLegacyUserFields folds legacy top-level user fields and the nested
// profile-properties block into the unified Properties map.
func normalizeLegacyUserFields(userDoc map[string]any) {
	for field, key := range legacyFieldMap {
		if value, ok := userDoc[field]; ok {
			setUserProperty(userDoc, key, stringify(value))
			delete(userDoc, field)
		}
	}

	if profile, ok := userDoc["profileProperties"].(map[string]any); ok {
		if v, ok := profile["openid"]; ok {
			setUserProperty(userDoc, "Openid", stringify(v))
		}
		if v, ok := profile["oauth"]; ok {
			setUserProperty(userDoc, "OAuth", stringify(v))
		}
		if v, ok := profile["passwordResetId"]; ok {
			if token := stringify(v); !passwordResetStale(token) {
				setUserProperty(userDoc, "PasswordResetId", token)
			}
		}
		delete(userDoc, "profileProperties")
	}

	gitName, hasName := userDoc["GitName"]
	gitMail, hasMail := userDoc["GitMail"]
	if hasName || hasMail {
		if !userPropertyExists(userDoc, GitUserInfoProperty) {
			info := map[string]string{}
			if hasName {
				info["GitName"] = stringify(gitName)
			}
			if hasMail {
				info["GitMail"] = stringify(gitMail)
			}
			data, _ := json.Marshal(info)
			setUserProperty(userDoc, GitUserInfoProperty, string(data))
		}
		delete(userDoc, "GitName")
		delete(userDoc, "GitMail")
	}
}

// passwordResetStale parses the timestamp prefix of a reset token and reports
// whether the token is past its shelf life. Unparseable tokens are kept.
func passwordResetStale(token string) bool {
	end := 0
	for end < len(token) && token[end] >= '0' && token[end] <= '9' {
		end++
	}
	if end == 0 {
		return false
	}
	millis, err := strconv.ParseInt(token[:end], 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.UnixMilli(millis)) > passwordResetMaxAge
}

// bumpSiblingDocuments rewrites every workspace and project document in the
// user directory whose version field is stale, re-encoding project content
// locations into their at-rest form along the way.
func (s *Store) bumpSiblingDocuments(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metafile.Extension) {
			continue
		}
		base := strings.TrimSuffix(name, metafile.Extension)
		if base == metafile.UserMeta {
			continue
		}
		if err := rewriteRawDocument(dir, base, func(doc map[string]any) {
			if docVersion(doc) >= CurrentVersion {
				return
			}
			doc["OrionVersion"] = CurrentVersion
			if location, ok := doc["ContentLocation"].(string); ok {
				doc["ContentLocation"] = codec.EncodeContentLocation(s.root, location)
			}
		}); err != nil {
			if metastore.IsCorruption(err) {
				logger.Warn("skipping corrupt document %q during migration", name)
				continue
			}
			return err
		}
	}
	return nil
}

// readRawDocument decodes a metadata file into a generic map. Absence leaves
// the target nil.
func readRawDocument(dir, name string, out *map[string]any) error {
	data, err := metafile.Read(dir, name)
	if err != nil || data == nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// rewriteRawDocument applies mutate to a document and writes it back. The
// document must exist.
func rewriteRawDocument(dir, name string, mutate func(map[string]any)) error {
	var doc map[string]any
	if err := readRawDocument(dir, name, &doc); err != nil {
		return err
	}
	if doc == nil {
		return metastore.PathErrorf(metastore.ErrIO, dir, "document %q does not exist", name)
	}
	mutate(doc)
	data, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return err
	}
	return metafile.Update(dir, name, data)
}

func rewriteLocationPrefix(doc map[string]any, oldPrefix, newPrefix string) {
	location, ok := doc["ContentLocation"].(string)
	if !ok {
		return
	}
	if location == oldPrefix || strings.HasPrefix(location, oldPrefix+"/") {
		doc["ContentLocation"] = newPrefix + strings.TrimPrefix(location, oldPrefix)
	}
}

func docVersion(doc map[string]any) int {
	if v, ok := doc["OrionVersion"].(float64); ok {
		return int(v)
	}
	return 0
}

func workspaceIDsOf(userDoc map[string]any) []string {
	raw, _ := userDoc["WorkspaceIds"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func setWorkspaceIDs(userDoc map[string]any, ids []string) {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	userDoc["WorkspaceIds"] = out
}

func projectNamesOf(workspaceDoc map[string]any) []string {
	raw, _ := workspaceDoc["ProjectNames"].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func appendProjectName(workspaceDoc map[string]any, name string) {
	raw, _ := workspaceDoc["ProjectNames"].([]any)
	for _, v := range raw {
		if v == name {
			return
		}
	}
	workspaceDoc["ProjectNames"] = append(raw, name)
}

func setUserProperty(userDoc map[string]any, key, value string) {
	props, ok := userDoc["Properties"].(map[string]any)
	if !ok {
		props = make(map[string]any)
		userDoc["Properties"] = props
	}
	props[key] = value
}

func userPropertyExists(userDoc map[string]any, key string) bool {
	props, ok := userDoc["Properties"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = props[key]
	return ok
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// listWorkspaceDocs returns the workspace document ids present in a user
// directory, sorted. A workspace document is any flat JSON file whose name
// contains the id separator and that decodes with a ProjectNames field.
func listWorkspaceDocs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metafile.Extension) {
			continue
		}
		base := strings.TrimSuffix(name, metafile.Extension)
		if base == metafile.UserMeta || !strings.Contains(base, codec.Separator) {
			continue
		}
		var doc map[string]any
		if err := readRawDocument(dir, base, &doc); err != nil || doc == nil {
			continue
		}
		if _, ok := doc["ProjectNames"]; ok {
			ids = append(ids, base)
		}
	}
	sort.Strings(ids)
	return ids
}

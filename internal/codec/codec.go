// Package codec implements the deterministic naming scheme that maps logical
// metadata entities (users, workspaces, projects) to on-disk identifiers.
//
// All functions are pure and total over valid inputs: encoding never fails and
// decoding of any encoded value recovers the original components. Name
// validation (reserved words, character sets) is the caller's responsibility
// and happens before encoding.
package codec

import (
	"net/url"
	"path"
	"runtime"
	"strings"
)

// Separator joins a user id and a sanitized workspace name into a workspace
// id. Decoding splits on the last occurrence, which is unambiguous because
// the sanitized half never contains the separator even when the user id does.
const Separator = "-"

// ContentLocationToken is the symbolic placeholder substituted for the store
// root path inside persisted content locations, keeping metadata valid if the
// store directory is relocated.
const ContentLocationToken = "SERVERWORKSPACE"

// reservedProjectChar is not a legal filename character on Windows, so
// project ids substitute it with a three-dash run there.
const (
	reservedProjectChar     = "|"
	reservedProjectEncoding = "---"
)

// SanitizeWorkspaceName strips the characters that are dropped from a
// workspace name when it is embedded in a workspace id: spaces, '#' and the
// separator itself.
func SanitizeWorkspaceName(name string) string {
	r := strings.NewReplacer(" ", "", "#", "", Separator, "")
	return r.Replace(name)
}

// EncodeWorkspaceID builds the workspace id for a workspace owned by userID.
func EncodeWorkspaceID(userID, workspaceName string) string {
	return userID + Separator + SanitizeWorkspaceName(workspaceName)
}

// DecodeUserID recovers the owning user id from a workspace id.
func DecodeUserID(workspaceID string) string {
	if i := strings.LastIndex(workspaceID, Separator); i >= 0 {
		return workspaceID[:i]
	}
	return workspaceID
}

// DecodeWorkspaceName recovers the (sanitized) workspace name from a
// workspace id.
func DecodeWorkspaceName(workspaceID string) string {
	if i := strings.LastIndex(workspaceID, Separator); i >= 0 {
		return workspaceID[i+len(Separator):]
	}
	return ""
}

// EncodeProjectID maps a project name to its on-disk id. The mapping is the
// identity except on Windows, where the reserved character is substituted so
// the id stays filesystem-legal.
func EncodeProjectID(projectName string) string {
	return encodeProjectID(projectName, runtime.GOOS == "windows")
}

// DecodeProjectName recovers a project name from its on-disk id.
func DecodeProjectName(projectID string) string {
	return decodeProjectID(projectID, runtime.GOOS == "windows")
}

func encodeProjectID(name string, windows bool) string {
	if windows {
		return strings.ReplaceAll(name, reservedProjectChar, reservedProjectEncoding)
	}
	return name
}

func decodeProjectID(id string, windows bool) string {
	if windows {
		return strings.ReplaceAll(id, reservedProjectEncoding, reservedProjectChar)
	}
	return id
}

// ShardPrefix returns the intermediate directory name a user is stored under:
// the first two characters of the user id, or fewer for shorter ids. Sharding
// bounds per-directory fan-out the way content-addressed object stores do.
func ShardPrefix(userID string) string {
	if len(userID) < 2 {
		return userID
	}
	return userID[:2]
}

// EncodeContentLocation rewrites a local-file content location that lies
// under the store root so that the root path is replaced by
// ContentLocationToken. Locations with other schemes, or outside the root,
// are returned verbatim.
func EncodeContentLocation(root, location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "file" {
		return location
	}

	rootPath := path.Clean(strings.ReplaceAll(root, "\\", "/"))
	if u.Path == rootPath {
		return ContentLocationToken
	}
	if strings.HasPrefix(u.Path, rootPath+"/") {
		return ContentLocationToken + strings.TrimPrefix(u.Path, rootPath)
	}
	return location
}

// DecodeContentLocation resolves a persisted content location back to a
// concrete file URI under the given store root. Locations that do not start
// with ContentLocationToken are returned verbatim.
func DecodeContentLocation(root, location string) string {
	if !strings.HasPrefix(location, ContentLocationToken) {
		return location
	}

	rootPath := path.Clean(strings.ReplaceAll(root, "\\", "/"))
	rel := strings.TrimPrefix(location, ContentLocationToken)
	u := url.URL{Scheme: "file", Path: rootPath + rel}
	return u.String()
}

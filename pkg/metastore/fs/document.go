package fs

import (
	"encoding/json"
	"strings"

	"github.com/workhub/metastore/internal/codec"
	"github.com/workhub/metastore/internal/logger"
	"github.com/workhub/metastore/pkg/metastore"
)

// Schema versions of the on-disk layout. Documents below CurrentVersion are
// upgraded lazily on first access; documents above it belong to newer code
// and must never be touched.
const (
	// OldestSupportedVersion is the oldest layout the migration engine can
	// read: one folder per workspace under the user directory.
	OldestSupportedVersion = 4

	// CurrentVersion is the layout this code writes: sharded user
	// directories with flattened workspace and project documents.
	CurrentVersion = 8
)

// PasswordProperty is stored encrypted when the store has a cipher.
const PasswordProperty = "Password"

type userDocument struct {
	SchemaVersion int                        `json:"OrionVersion"`
	UniqueID      string                     `json:"UniqueId"`
	UserName      string                     `json:"UserName"`
	FullName      string                     `json:"FullName"`
	WorkspaceIDs  []string                   `json:"WorkspaceIds"`
	Properties    map[string]json.RawMessage `json:"Properties"`
}

type workspaceDocument struct {
	SchemaVersion int                        `json:"OrionVersion"`
	UniqueID      string                     `json:"UniqueId"`
	UserID        string                     `json:"UserId"`
	FullName      string                     `json:"FullName"`
	ProjectNames  []string                   `json:"ProjectNames"`
	Properties    map[string]json.RawMessage `json:"Properties"`
}

type projectDocument struct {
	SchemaVersion   int                        `json:"OrionVersion"`
	UniqueID        string                     `json:"UniqueId"`
	WorkspaceID     string                     `json:"WorkspaceId"`
	FullName        string                     `json:"FullName"`
	ContentLocation string                     `json:"ContentLocation,omitempty"`
	Properties      map[string]json.RawMessage `json:"Properties"`
}

// encodeProperties maps in-memory property strings to their wire form. A
// value that is itself a JSON array or object (access-rights lists, site
// configuration blocks) is embedded as structured JSON; everything else is a
// JSON string.
func encodeProperties(props map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(props))
	for key, value := range props {
		trimmed := strings.TrimSpace(value)
		if (strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{")) && json.Valid([]byte(trimmed)) {
			out[key] = json.RawMessage(trimmed)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			continue
		}
		out[key] = encoded
	}
	return out
}

// decodeProperties reverses encodeProperties: string values come back
// verbatim, structured values come back as their compact JSON text.
func decodeProperties(props map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(props))
	for key, raw := range props {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[key] = s
			continue
		}
		out[key] = string(raw)
	}
	return out
}

func (s *Store) encodeUser(user *metastore.User) ([]byte, error) {
	props := user.Properties
	if s.cipher != nil {
		if plain, ok := props[PasswordProperty]; ok && plain != "" {
			encrypted, err := s.cipher.Encrypt(plain)
			if err != nil {
				return nil, err
			}
			props = cloneWith(props, PasswordProperty, encrypted)
		}
	}

	doc := userDocument{
		SchemaVersion: CurrentVersion,
		UniqueID:      user.UniqueID,
		UserName:      user.UserName,
		FullName:      user.FullName,
		WorkspaceIDs:  user.WorkspaceIDs,
		Properties:    encodeProperties(props),
	}
	return json.MarshalIndent(doc, "", "\t")
}

func (s *Store) decodeUser(data []byte) (*metastore.User, error) {
	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, metastore.Errorf(metastore.ErrCorruption, "malformed user document: %v", err)
	}

	props := decodeProperties(doc.Properties)
	if s.cipher != nil {
		if encrypted, ok := props[PasswordProperty]; ok && encrypted != "" {
			plain, err := s.cipher.Decrypt(encrypted)
			if err != nil {
				// Legacy plaintext or a foreign secret. Surface the stored
				// value untouched so nothing is lost.
				logger.Warn("cannot decrypt password property for user %q", doc.UniqueID)
			} else {
				props[PasswordProperty] = plain
			}
		}
	}

	return &metastore.User{
		UniqueID:     doc.UniqueID,
		UserName:     doc.UserName,
		FullName:     doc.FullName,
		WorkspaceIDs: doc.WorkspaceIDs,
		Properties:   props,
	}, nil
}

func encodeWorkspace(ws *metastore.Workspace) ([]byte, error) {
	doc := workspaceDocument{
		SchemaVersion: CurrentVersion,
		UniqueID:      ws.UniqueID,
		UserID:        ws.UserID,
		FullName:      ws.FullName,
		ProjectNames:  ws.ProjectNames,
		Properties:    encodeProperties(ws.Properties),
	}
	return json.MarshalIndent(doc, "", "\t")
}

func decodeWorkspace(data []byte) (*metastore.Workspace, error) {
	var doc workspaceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, metastore.Errorf(metastore.ErrCorruption, "malformed workspace document: %v", err)
	}
	return &metastore.Workspace{
		UniqueID:     doc.UniqueID,
		UserID:       doc.UserID,
		FullName:     doc.FullName,
		ProjectNames: doc.ProjectNames,
		Properties:   decodeProperties(doc.Properties),
	}, nil
}

// encodeProject persists the project with its content location made
// portable: a location under the store root is stored with the root replaced
// by the placeholder token.
func (s *Store) encodeProject(project *metastore.Project) ([]byte, error) {
	doc := projectDocument{
		SchemaVersion:   CurrentVersion,
		UniqueID:        project.UniqueID,
		WorkspaceID:     project.WorkspaceID,
		FullName:        project.FullName,
		ContentLocation: codec.EncodeContentLocation(s.root, project.ContentLocation),
		Properties:      encodeProperties(project.Properties),
	}
	return json.MarshalIndent(doc, "", "\t")
}

func (s *Store) decodeProject(data []byte) (*metastore.Project, error) {
	var doc projectDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, metastore.Errorf(metastore.ErrCorruption, "malformed project document: %v", err)
	}
	return &metastore.Project{
		UniqueID:        doc.UniqueID,
		WorkspaceID:     doc.WorkspaceID,
		FullName:        doc.FullName,
		ContentLocation: codec.DecodeContentLocation(s.root, doc.ContentLocation),
		Properties:      decodeProperties(doc.Properties),
	}, nil
}

func cloneWith(props map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	out[key] = value
	return out
}

// mergeProperties unions incoming properties into existing ones. An incoming
// key wins over an existing one; an incoming empty value removes the key.
// Concurrent updaters adding distinct properties therefore never erase each
// other's entries.
func mergeProperties(existing, incoming map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

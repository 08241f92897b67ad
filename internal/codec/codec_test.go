package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeWorkspaceName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Workspace", "Workspace"},
		{"spaces dropped", "My First Workspace", "MyFirstWorkspace"},
		{"hashes dropped", "work#space", "workspace"},
		{"separators dropped", "a-b-c", "abc"},
		{"mixed", "John's #1 - Sandbox", "John's1Sandbox"},
		{"all stripped", " -#", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeWorkspaceName(tt.in))
		})
	}
}

func TestWorkspaceIDRoundTrip(t *testing.T) {
	tests := []struct {
		userID        string
		workspaceName string
		wantID        string
	}{
		{"anthony", "Orion Content", "anthony-OrionContent"},
		{"a", "W", "a-W"},
		// User ids may themselves contain the separator; decode splits on
		// the last occurrence because the sanitized name never contains it.
		{"john-doe", "Main Work-space", "john-doe-MainWorkspace"},
	}

	for _, tt := range tests {
		id := EncodeWorkspaceID(tt.userID, tt.workspaceName)
		assert.Equal(t, tt.wantID, id)
		assert.Equal(t, tt.userID, DecodeUserID(id))
		assert.Equal(t, SanitizeWorkspaceName(tt.workspaceName), DecodeWorkspaceName(id))
	}
}

func TestDecodeUserIDWithoutSeparator(t *testing.T) {
	assert.Equal(t, "anthony", DecodeUserID("anthony"))
	assert.Equal(t, "", DecodeWorkspaceName("anthony"))
}

func TestProjectIDEncoding(t *testing.T) {
	// Identity everywhere except Windows.
	assert.Equal(t, "My Project", encodeProjectID("My Project", false))
	assert.Equal(t, "a|b", encodeProjectID("a|b", false))

	assert.Equal(t, "a---b", encodeProjectID("a|b", true))
	assert.Equal(t, "a|b", decodeProjectID("a---b", true))
}

func TestShardPrefix(t *testing.T) {
	assert.Equal(t, "an", ShardPrefix("anthony"))
	assert.Equal(t, "a", ShardPrefix("a"))
	assert.Equal(t, "", ShardPrefix(""))
}

func TestContentLocationRoundTrip(t *testing.T) {
	root := "/serverworkspace/metadata"

	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"project folder", "file:///serverworkspace/metadata/an/anthony/OrionContent/Project", "SERVERWORKSPACE/an/anthony/OrionContent/Project"},
		{"root itself", "file:///serverworkspace/metadata", "SERVERWORKSPACE"},
		{"outside root", "file:///other/place/Project", "file:///other/place/Project"},
		{"non-file scheme", "https://git.example.com/repo.git", "https://git.example.com/repo.git"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeContentLocation(root, tt.location)
			assert.Equal(t, tt.want, encoded)
			assert.Equal(t, tt.location, DecodeContentLocation(root, encoded))
		})
	}
}

func TestDecodeContentLocationVerbatim(t *testing.T) {
	assert.Equal(t, "https://example.com/x", DecodeContentLocation("/root", "https://example.com/x"))
}

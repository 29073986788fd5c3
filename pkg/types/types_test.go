package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConsent(t *testing.T) {
	tests := []struct {
		name    string
		info    RegistrationInfo
		wantErr bool
	}{
		{"leaf with both flags", RegistrationInfo{NodeType: NodeTypeLeaf, ScientificResearch: "yes", ConfirmShare: "yes"}, false},
		{"hub without confirm_share", RegistrationInfo{NodeType: NodeTypeHub, ScientificResearch: "yes"}, false},
		{"leaf without confirm_share", RegistrationInfo{NodeType: NodeTypeLeaf, ScientificResearch: "yes"}, true},
		{"missing scientific_research", RegistrationInfo{NodeType: NodeTypeHub, ConfirmShare: "yes"}, true},
		{"scientific_research no", RegistrationInfo{NodeType: NodeTypeLeaf, ScientificResearch: "no", ConfirmShare: "yes"}, true},
		{"unknown node type", RegistrationInfo{NodeType: "share", ScientificResearch: "yes", ConfirmShare: "yes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.ValidateConsent()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidChecksum(t *testing.T) {
	assert.True(t, ValidChecksum("da39a3ee5e6b4b0d3255bfef95601890afd80709"))
	assert.False(t, ValidChecksum("DA39A3EE5E6B4B0D3255BFEF95601890AFD80709"))
	assert.False(t, ValidChecksum("da39a3ee"))
	assert.False(t, ValidChecksum("../etc/passwd"))
}

func TestSafePath(t *testing.T) {
	assert.True(t, SafePath("data/run1/file.dat"))
	assert.True(t, SafePath(""))
	assert.True(t, SafePath("a/.hidden/b"))
	assert.False(t, SafePath("../secret"))
	assert.False(t, SafePath("a/./b"))
	assert.False(t, SafePath("~/keys"))
}

func TestDescendantMapClone(t *testing.T) {
	m := DescendantMap{"abc": {NodeID: "abc", ParentNodeID: "hub", NodeType: NodeTypeLeaf}}
	c := m.Clone()
	c["def"] = DescendantNode{NodeID: "def"}
	assert.Len(t, m, 1)
	assert.Len(t, c, 2)
}

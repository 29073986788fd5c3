package types

import (
	"fmt"
	"regexp"
	"strings"
)

type NodeID string

type NodeType string

const (
	NodeTypeHub  NodeType = "hub"
	NodeTypeLeaf NodeType = "leaf"
)

func (t NodeType) Valid() bool {
	return t == NodeTypeHub || t == NodeTypeLeaf
}

const consentYes = "yes"

// RegistrationInfo is what a child presents to its parent when it registers.
// It is fixed for the lifetime of the connection.
type RegistrationInfo struct {
	NodeType           NodeType `json:"node_type"`
	ListenURL          string   `json:"listen_url,omitempty"`
	Name               string   `json:"name,omitempty"`
	Description        string   `json:"description,omitempty"`
	Owner              string   `json:"owner,omitempty"`
	OwnerEmail         string   `json:"owner_email,omitempty"`
	ScientificResearch string   `json:"scientific_research,omitempty"`
	ConfirmShare       string   `json:"confirm_share,omitempty"`
}

// ValidateConsent checks the consent flags a registrant must have set.
func (r RegistrationInfo) ValidateConsent() error {
	if !r.NodeType.Valid() {
		return fmt.Errorf("unexpected child node type: %q", r.NodeType)
	}
	if r.ScientificResearch != consentYes {
		return fmt.Errorf("scientific_research must be %q", consentYes)
	}
	if r.NodeType == NodeTypeLeaf && r.ConfirmShare != consentYes {
		return fmt.Errorf("confirm_share must be %q for a leaf node", consentYes)
	}
	return nil
}

type NodeInfo struct {
	NodeID      NodeID   `json:"node_id"`
	NodeType    NodeType `json:"node_type"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	OwnerEmail  string   `json:"owner_email,omitempty"`
	ListenURL   string   `json:"listen_url,omitempty"`
}

func NewNodeInfo(id NodeID, r RegistrationInfo) NodeInfo {
	return NodeInfo{
		NodeID:      id,
		NodeType:    r.NodeType,
		Name:        r.Name,
		Description: r.Description,
		Owner:       r.Owner,
		OwnerEmail:  r.OwnerEmail,
		ListenURL:   r.ListenURL,
	}
}

// PRV is the provenance record an indexer produces for a single file.
type PRV struct {
	OriginalChecksum    string `json:"original_checksum"`
	OriginalSize        int64  `json:"original_size"`
	OriginalFCS         string `json:"original_fcs,omitempty"`
	OriginalPath        string `json:"original_path,omitempty"`
	PRVVersion          string `json:"prv_version,omitempty"`
	OriginalModifiedISO string `json:"original_modified,omitempty"`
}

type DescendantNode struct {
	NodeID       NodeID   `json:"node_id"`
	ParentNodeID NodeID   `json:"parent_node_id"`
	ListenURL    string   `json:"listen_url,omitempty"`
	NodeType     NodeType `json:"node_type"`
}

type DescendantMap map[NodeID]DescendantNode

func (m DescendantMap) Clone() DescendantMap {
	out := make(DescendantMap, len(m))
	for id, n := range m {
		out[id] = n
	}
	return out
}

// NodeData is what a child hub periodically reports to its parent.
type NodeData struct {
	NodeID          NodeID        `json:"node_id"`
	DescendantNodes DescendantMap `json:"descendant_nodes"`
}

// InternalFind records one place inside the subtree that holds a file.
// ChildHubID is set when the match was reported by a connected child hub.
type InternalFind struct {
	LeafID     NodeID `json:"leaf_id"`
	ChildHubID NodeID `json:"child_hub_id,omitempty"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
}

type FindResult struct {
	Checksum      string         `json:"checksum"`
	Found         bool           `json:"found"`
	Size          int64          `json:"size"`
	URLs          []string       `json:"urls"`
	InternalFinds []InternalFind `json:"internal_finds"`
}

// FindResponse is the JSON body of the find endpoint.
type FindResponse struct {
	Success   bool           `json:"success"`
	Found     bool           `json:"found"`
	Size      int64          `json:"size,omitempty"`
	URLs      []string       `json:"urls,omitempty"`
	Results   []InternalFind `json:"results,omitempty"`
	AltHubURL string         `json:"alt_hub_url,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	PRV  *PRV   `json:"prv,omitempty"`
}

type DirEntry struct {
	Name string `json:"name"`
}

type ReaddirResponse struct {
	Success bool        `json:"success"`
	Files   []FileEntry `json:"files"`
	Dirs    []DirEntry  `json:"dirs"`
}

type NodeInfoResponse struct {
	Success         bool      `json:"success"`
	Info            NodeInfo  `json:"info"`
	ParentHubInfo   *NodeInfo `json:"parent_hub_info,omitempty"`
	ChildHubs       []NodeID  `json:"child_hubs,omitempty"`
	ChildLeaves     []NodeID  `json:"child_leaves,omitempty"`
	TopHubURL       string    `json:"top_hub_url,omitempty"`
	DescendantCount int       `json:"descendant_count,omitempty"`
}

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidChecksum reports whether s is a lowercase hex SHA-1 digest.
func ValidChecksum(s string) bool {
	return checksumPattern.MatchString(s)
}

// SafePath rejects paths containing home, current or parent directory segments.
func SafePath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "~" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// Package metadata is the local metadata repository: a transactional
// object graph of nodes, revisions, shares and volumes keyed by stable
// ids. Every fetch is an explicit call; there is no implicit I/O on
// field access. All mutation happens inside a caller-provided Tx and the
// repository never commits on its own.
package metadata

import "time"

// NodeState mirrors the remote lifecycle of a node. A node in
// StateDeleted is remotely trashed: it must disappear from the host's
// view rather than move to the OS trash.
type NodeState string

const (
	StateActive          NodeState = "active"
	StateUploading       NodeState = "uploading"
	StateCloudImpediment NodeState = "cloudImpediment"
	StatePaused          NodeState = "paused"
	StateInterrupted     NodeState = "interrupted"
	StateDeleted         NodeState = "deleted"
)

// NodeType discriminates files from folders.
type NodeType string

const (
	TypeFile   NodeType = "file"
	TypeFolder NodeType = "folder"
)

// NodeIdentifier addresses a node. ID is unique within a volume (and
// within a share for share-addressed lookups); either ShareID or
// VolumeID may be empty depending on the addressing mode in use.
type NodeIdentifier struct {
	ID       string
	ShareID  string
	VolumeID string
}

// Node is a file or folder metadata record. ParentID is empty for
// roots. IsMarkedOfflineAvailable is the user's explicit flag;
// IsInheritingOfflineAvailable is derived from the parent chain and is
// always cleared when the explicit flag is set.
type Node struct {
	ID       string
	VolumeID string
	ShareID  string
	ParentID string

	Type  NodeType
	State NodeState
	Name  string

	MimeType     string
	Size         int64
	ModifiedDate time.Time

	IsFavorite        bool
	IsShared          bool
	IsSharedWithMeRoot bool

	IsMarkedOfflineAvailable     bool
	IsInheritingOfflineAvailable bool

	// DirtyIndex orders pending-sync work; zero means clean.
	DirtyIndex int64

	// ChildrenFullyFetched flips once every remote page of this
	// folder's children has been stored locally; from then on item
	// enumeration is served from the repository.
	ChildrenFullyFetched bool

	// File-only fields.
	ActiveRevisionID string
	ClientUID        string
}

// Identifier returns the node's compound identifier.
func (n *Node) Identifier() NodeIdentifier {
	return NodeIdentifier{ID: n.ID, ShareID: n.ShareID, VolumeID: n.VolumeID}
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// IsAvailableOffline reports the effective offline availability:
// explicit mark or inherited from an ancestor.
func (n *Node) IsAvailableOffline() bool {
	return n.IsMarkedOfflineAvailable || n.IsInheritingOfflineAvailable
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool { return n.Type == TypeFolder }

func (n *Node) clone() *Node {
	c := *n
	return &c
}

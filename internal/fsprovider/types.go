// Package fsprovider defines the contract between the sync core and the
// virtual-filesystem host. The host owns path resolution, placeholder
// materialization and the on-screen view; the core feeds it paged item
// listings and ordered change-sets keyed by opaque sync anchors.
package fsprovider

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// ErrSyncAnchorExpired tells the host its anchor predates the current
// event tracking epoch. The host must discard its cached state and redo
// a full item enumeration instead of asking for incremental changes.
var ErrSyncAnchorExpired = errors.New("sync anchor expired")

// Well-known container identifiers understood by the host.
const (
	RootContainer  ItemIdentifier = ".root"
	WorkingSet     ItemIdentifier = ".workingSet"
	TrashContainer ItemIdentifier = ".trash"
)

// ItemIdentifier names one item in the host's view. For regular items it
// encodes the (nodeID, shareID) pair; the host treats it as opaque and
// hands it back unchanged.
type ItemIdentifier string

// MakeItemIdentifier builds the identifier for a node within a share.
func MakeItemIdentifier(nodeID, shareID string) ItemIdentifier {
	return ItemIdentifier(nodeID + ":" + shareID)
}

// Split returns the (nodeID, shareID) pair encoded in the identifier.
// ok is false for the well-known containers and malformed identifiers.
func (id ItemIdentifier) Split() (nodeID, shareID string, ok bool) {
	nodeID, shareID, ok = strings.Cut(string(id), ":")
	if !ok || nodeID == "" {
		return "", "", false
	}
	return nodeID, shareID, true
}

// SyncAnchor is the opaque resumption token for change enumeration. It
// must round-trip byte-for-byte through the host's storage; "unchanged"
// is detected by exact byte equality, never by semantic comparison.
type SyncAnchor []byte

// Equal reports whether two anchors are byte-identical.
func (a SyncAnchor) Equal(b SyncAnchor) bool { return bytes.Equal(a, b) }

// Empty reports whether the host supplied no prior anchor.
func (a SyncAnchor) Empty() bool { return len(a) == 0 }

// Page is the continuation token for item enumeration. Pages are dense
// zero-based indexes; the host stores the token between calls and the
// enumeration must present a total order so that stateless paging never
// skips or duplicates items.
type Page int

// Item is the host-visible projection of a node.
type Item struct {
	Identifier         ItemIdentifier
	ParentIdentifier   ItemIdentifier
	Name               string
	IsFolder           bool
	Size               int64
	MimeType           string
	ModifiedDate       time.Time
	IsShared           bool
	IsFavorite         bool
	IsAvailableOffline bool
	IsTrashed          bool
}

// EnumerationObserver receives paged item listings ("items" requests).
type EnumerationObserver interface {
	DidEnumerate(items []Item)
	// FinishEnumerating completes the current page. A nil next page
	// means the listing is exhausted.
	FinishEnumerating(next *Page)
	FinishEnumeratingWithError(err error)
}

// ChangeObserver receives ordered change-sets ("changes" requests).
// Deletions for a batch are always delivered before updates.
type ChangeObserver interface {
	DidDeleteItems(identifiers []ItemIdentifier)
	DidUpdate(items []Item)
	// FinishEnumeratingChanges hands over the new anchor. moreComing
	// asks the host to immediately poll again.
	FinishEnumeratingChanges(anchor SyncAnchor, moreComing bool)
	FinishEnumeratingWithError(err error)
}

// Manager is the subset of the host's management API the core calls
// back into.
type Manager interface {
	// SignalEnumerator asks the host to re-poll the given container.
	SignalEnumerator(container ItemIdentifier) error
	// WaitForChangesBelow blocks until in-flight host operations below
	// the given parent have settled. Used as the eviction barrier.
	WaitForChangesBelow(parent ItemIdentifier) error
	// EvictItem removes the local copy of an item's content.
	EvictItem(identifier ItemIdentifier) error
}

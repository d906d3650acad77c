// Package api is the remote Drive API collaborator: a paged event log
// plus node/share/volume metadata. The sync core only consumes the
// response shapes defined here; transfer mechanics and crypto live
// elsewhere.
package api

import "context"

// LinkType discriminates remote link payloads.
type LinkType int

const (
	LinkTypeFolder LinkType = 1
	LinkTypeFile   LinkType = 2
)

// LinkState is the remote state of a link.
type LinkState int

const (
	LinkStateDraft   LinkState = 0
	LinkStateActive  LinkState = 1
	LinkStateTrashed LinkState = 2
)

// RevisionPayload describes the active revision of a file link.
type RevisionPayload struct {
	ID                string `json:"ID"`
	ManifestSignature string `json:"ManifestSignature"`
	State             int    `json:"State"`
}

// FileProperties carries the file-specific part of a link.
type FileProperties struct {
	ActiveRevision *RevisionPayload `json:"ActiveRevision,omitempty"`
	ContentKeyUID  string           `json:"ContentKeyPacketSignature,omitempty"`
}

// Link is the remote metadata payload for one node.
type Link struct {
	LinkID       string    `json:"LinkID"`
	ParentLinkID string    `json:"ParentLinkID"`
	VolumeID     string    `json:"VolumeID"`
	Type         LinkType  `json:"Type"`
	Name         string    `json:"Name"`
	MIMEType     string    `json:"MIMEType"`
	Size         int64     `json:"Size"`
	State        LinkState `json:"State"`
	ModifyTime   int64     `json:"ModifyTime"`
	IsShared     bool      `json:"Shared"`
	IsFavorite   bool      `json:"Favorite"`

	FileProperties *FileProperties `json:"FileProperties,omitempty"`
}

// EventType classifies a remote event.
type EventType int

const (
	EventDelete         EventType = 0
	EventCreate         EventType = 1
	EventUpdateContent  EventType = 2
	EventUpdateMetadata EventType = 3
)

// Event is one record of the remote change log. Events arrive strictly
// ordered; the log is never reordered.
type Event struct {
	EventID            string    `json:"EventID"`
	EventType          EventType `json:"EventType"`
	CreateTime         int64     `json:"CreateTime"`
	Link               Link      `json:"Link"`
	FromContextShareID string    `json:"ContextShareID"`
}

// EventsPage is one page of the event log.
type EventsPage struct {
	Events []Event `json:"Events"`
	// EventID is the cursor for the next page.
	EventID string `json:"EventID"`
	More    bool   `json:"More"`
	// Refresh asks the client to drop its cursor and do a full resync.
	Refresh bool `json:"Refresh"`
}

// ChildrenPage is one page of a folder listing.
type ChildrenPage struct {
	Links []Link `json:"Links"`
	More  bool   `json:"More"`
}

// VolumePayload is the remote volume shape.
type VolumePayload struct {
	VolumeID string `json:"VolumeID"`
	Type     int    `json:"Type"`
}

// SharePayload is the remote share shape.
type SharePayload struct {
	ShareID    string `json:"ShareID"`
	Type       int    `json:"Type"`
	VolumeID   string `json:"VolumeID"`
	AddressID  string `json:"AddressID"`
	RootLinkID string `json:"LinkID"`
}

// Client is the remote API surface the sync core consumes.
type Client interface {
	// LatestEventID returns the event cursor to start tracking from.
	LatestEventID(ctx context.Context, volumeID string) (string, error)
	// EventsSince returns the ordered page of events after eventID.
	EventsSince(ctx context.Context, volumeID, eventID string) (*EventsPage, error)
	// ListFolderChildren returns one page of a folder's children.
	// Page is zero-based; pageSize must match the local pager's.
	ListFolderChildren(ctx context.Context, shareID, linkID string, page, pageSize int) (*ChildrenPage, error)
	// GetVolumes lists the account's volumes.
	GetVolumes(ctx context.Context) ([]VolumePayload, error)
	// GetShares lists the account's shares.
	GetShares(ctx context.Context) ([]SharePayload, error)
}

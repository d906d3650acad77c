// Package enumerate serves the host's two enumeration surfaces: paged
// item listings for a container and ordered change-sets keyed by sync
// anchor.
package enumerate

import (
	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
)

// PageSize is the number of items per enumeration page. Remote listing
// requests use the same size, so a "fewer than PageSize" remote page and
// a "fewer than PageSize" local page mean the same thing: last page.
const PageSize = 150

// itemFromNode projects a node into the host's item shape. rootNodeID
// is the share's root link: its direct children are presented under the
// well-known root container, trashed nodes under the trash container.
func itemFromNode(n *metadata.Node, rootNodeID string) fsprovider.Item {
	parent := fsprovider.MakeItemIdentifier(n.ParentID, n.ShareID)
	if n.ParentID == rootNodeID {
		parent = fsprovider.RootContainer
	}
	trashed := n.State == metadata.StateDeleted
	if trashed {
		parent = fsprovider.TrashContainer
	}
	return fsprovider.Item{
		Identifier:         fsprovider.MakeItemIdentifier(n.ID, n.ShareID),
		ParentIdentifier:   parent,
		Name:               n.Name,
		IsFolder:           n.IsFolder(),
		Size:               n.Size,
		MimeType:           n.MimeType,
		ModifiedDate:       n.ModifiedDate,
		IsShared:           n.IsShared,
		IsFavorite:         n.IsFavorite,
		IsAvailableOffline: n.IsAvailableOffline(),
		IsTrashed:          trashed,
	}
}

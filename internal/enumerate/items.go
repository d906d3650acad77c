package enumerate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/events"
	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
)

// ItemEnumerator serves paged folder listings for one share. A folder
// whose children have never been fully fetched is listed remote-first,
// page by page, storing each page in local metadata as it arrives; once
// the remote listing has been exhausted the folder is served from local
// metadata alone. Both sides use the same page size, so the "last page"
// signal (fewer than a full page of items) means the same thing in both
// modes.
type ItemEnumerator struct {
	repo     *metadata.Repository
	registry *metadata.ContextRegistry
	client   api.Client
	metrics  *metrics.SyncMetrics

	shareID  string
	volumeID string
	log      zerolog.Logger
}

// NewItemEnumerator creates an item enumerator for one share.
func NewItemEnumerator(repo *metadata.Repository, registry *metadata.ContextRegistry, client api.Client, shareID, volumeID string, m *metrics.SyncMetrics) *ItemEnumerator {
	return &ItemEnumerator{
		repo:     repo,
		registry: registry,
		client:   client,
		metrics:  m,
		shareID:  shareID,
		volumeID: volumeID,
		log:      log.With().Str("component", "enumerate").Str("share", shareID).Logger(),
	}
}

// EnumerateItems delivers one page of the container's listing.
func (e *ItemEnumerator) EnumerateItems(ctx context.Context, observer fsprovider.EnumerationObserver, container fsprovider.ItemIdentifier, page fsprovider.Page) {
	if e.metrics != nil {
		e.metrics.ItemPagesEnumerated.Inc()
	}
	nodeID, err := e.resolveContainer(container)
	if err != nil {
		observer.FinishEnumeratingWithError(err)
		return
	}

	if container == fsprovider.TrashContainer {
		e.enumerateTrash(observer, page)
		return
	}

	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	folder, ok := tx.FetchNode(nodeID, e.volumeID)
	fullyFetched := ok && folder.ChildrenFullyFetched
	tx.Rollback()

	if fullyFetched {
		e.enumerateLocal(observer, nodeID, page)
		return
	}
	e.enumerateRemote(ctx, observer, nodeID, page)
}

// resolveContainer maps a container identifier to the node backing it.
func (e *ItemEnumerator) resolveContainer(container fsprovider.ItemIdentifier) (string, error) {
	switch container {
	case fsprovider.TrashContainer:
		return "", nil
	case fsprovider.RootContainer:
		tx := e.repo.Begin(e.registry, metadata.ContextHost)
		defer tx.Rollback()
		sh, ok := tx.FetchShare(e.shareID)
		if !ok || sh.RootNodeID == "" {
			return "", fmt.Errorf("share %s has no root node", e.shareID)
		}
		return sh.RootNodeID, nil
	default:
		nodeID, _, ok := container.Split()
		if !ok {
			return "", fmt.Errorf("malformed container identifier %q", container)
		}
		return nodeID, nil
	}
}

func (e *ItemEnumerator) enumerateLocal(observer fsprovider.EnumerationObserver, nodeID string, page fsprovider.Page) {
	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	rootID := ""
	if sh, ok := tx.FetchShare(e.shareID); ok {
		rootID = sh.RootNodeID
	}
	children := tx.QueryChildren(e.volumeID, nodeID, metadata.ExcludeDeleted, metadata.SortByName, int(page), PageSize)
	tx.Rollback()

	items := make([]fsprovider.Item, 0, len(children))
	for _, n := range children {
		items = append(items, itemFromNode(n, rootID))
	}
	observer.DidEnumerate(items)
	observer.FinishEnumerating(nextPage(page, len(items)))
}

func (e *ItemEnumerator) enumerateRemote(ctx context.Context, observer fsprovider.EnumerationObserver, nodeID string, page fsprovider.Page) {
	remote, err := e.client.ListFolderChildren(ctx, e.shareID, nodeID, int(page), PageSize)
	if err != nil {
		e.log.Warn().Err(err).Str("folder", nodeID).Msg("Remote folder listing failed")
		observer.FinishEnumeratingWithError(err)
		return
	}

	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	rootID := ""
	if sh, ok := tx.FetchShare(e.shareID); ok {
		rootID = sh.RootNodeID
	}
	items := make([]fsprovider.Item, 0, len(remote.Links))
	for _, link := range remote.Links {
		events.ApplyLink(tx, link, e.shareID)
		if n, ok := tx.FetchNode(link.LinkID, link.VolumeID); ok && n.State != metadata.StateDeleted {
			items = append(items, itemFromNode(n, rootID))
		}
	}
	if !remote.More {
		// From here on this folder is served locally.
		if folder, ok := tx.FetchNode(nodeID, e.volumeID); ok {
			folder.ChildrenFullyFetched = true
		}
	}
	if err := tx.Commit(); err != nil {
		observer.FinishEnumeratingWithError(err)
		return
	}

	observer.DidEnumerate(items)
	if remote.More {
		next := page + 1
		observer.FinishEnumerating(&next)
		return
	}
	observer.FinishEnumerating(nil)
}

func (e *ItemEnumerator) enumerateTrash(observer fsprovider.EnumerationObserver, page fsprovider.Page) {
	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	rootID := ""
	if sh, ok := tx.FetchShare(e.shareID); ok {
		rootID = sh.RootNodeID
	}
	trashed := tx.QueryNodes(func(n *metadata.Node) bool {
		return n.ShareID == e.shareID && metadata.OnlyDeleted(n)
	}, metadata.SortByName, int(page), PageSize)
	tx.Rollback()

	items := make([]fsprovider.Item, 0, len(trashed))
	for _, n := range trashed {
		items = append(items, itemFromNode(n, rootID))
	}
	observer.DidEnumerate(items)
	observer.FinishEnumerating(nextPage(page, len(items)))
}

// nextPage returns the continuation token, nil when the page was short.
func nextPage(page fsprovider.Page, got int) *fsprovider.Page {
	if got < PageSize {
		return nil
	}
	next := page + 1
	return &next
}

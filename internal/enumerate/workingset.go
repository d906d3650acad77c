package enumerate

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
)

// WorkingSetEnumerator serves the host's working-set container: the
// items the host should keep eagerly refreshed. Membership is local
// knowledge only, nothing is fetched: a node is in the working set when
// it has been touched since the store was created (dirty) or is marked
// for offline availability.
type WorkingSetEnumerator struct {
	repo     *metadata.Repository
	registry *metadata.ContextRegistry
	shareID  string
	log      zerolog.Logger
}

// NewWorkingSetEnumerator creates the working-set enumerator for one
// share.
func NewWorkingSetEnumerator(repo *metadata.Repository, registry *metadata.ContextRegistry, shareID string) *WorkingSetEnumerator {
	return &WorkingSetEnumerator{
		repo:     repo,
		registry: registry,
		shareID:  shareID,
		log:      log.With().Str("component", "enumerate").Str("share", shareID).Logger(),
	}
}

// EnumerateItems delivers one page of the working set, newest first.
func (e *WorkingSetEnumerator) EnumerateItems(observer fsprovider.EnumerationObserver, page fsprovider.Page) {
	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	rootID := ""
	if sh, ok := tx.FetchShare(e.shareID); ok {
		rootID = sh.RootNodeID
	}
	members := tx.QueryNodes(func(n *metadata.Node) bool {
		if n.ShareID != e.shareID || n.State == metadata.StateDeleted {
			return false
		}
		return n.DirtyIndex > 0 || n.IsAvailableOffline()
	}, metadata.SortByModified, int(page), PageSize)
	tx.Rollback()

	items := make([]fsprovider.Item, 0, len(members))
	for _, n := range members {
		items = append(items, itemFromNode(n, rootID))
	}
	observer.DidEnumerate(items)
	observer.FinishEnumerating(nextPage(page, len(items)))
}

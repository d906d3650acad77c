package offline

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
)

// Propagator owns the offline-availability state machine. Explicit
// marks are set synchronously; the derived inherited flags ripple down
// the tree through the keep and remove queues, one page per pass.
type Propagator struct {
	repo     *metadata.Repository
	registry *metadata.ContextRegistry
	manager  fsprovider.Manager
	metrics  *metrics.SyncMetrics

	keep   *Queue
	remove *Queue

	log zerolog.Logger
}

// NewPropagator creates a propagator. manager and m may be nil.
func NewPropagator(repo *metadata.Repository, registry *metadata.ContextRegistry, manager fsprovider.Manager, m *metrics.SyncMetrics) *Propagator {
	return &Propagator{
		repo:     repo,
		registry: registry,
		manager:  manager,
		metrics:  m,
		keep:     NewQueue(),
		remove:   NewQueue(),
		log:      log.With().Str("component", "offline").Logger(),
	}
}

// KeepQueue exposes the keep-downloaded queue for persistence.
func (p *Propagator) KeepQueue() *Queue { return p.keep }

// RemoveQueue exposes the remove-downloaded queue for persistence.
func (p *Propagator) RemoveQueue() *Queue { return p.remove }

// SetKeepDownloadedState sets or clears the explicit offline mark on the
// given nodes, then runs propagation to completion. Setting or clearing
// always drops the inherited flag: the explicit mark is the whole truth
// afterwards, so clearing keep-downloaded on an inheriting node really
// removes its availability. The marks are durable in metadata before any
// propagation happens, so an interrupted run resumes from them alone.
func (p *Propagator) SetKeepDownloadedState(ctx context.Context, ids []metadata.NodeIdentifier, keep bool) error {
	tx := p.repo.Begin(p.registry, metadata.ContextBackground)
	marked := ids[:0:0]
	for _, id := range ids {
		n, ok := tx.FetchNodeByIdentifier(id)
		if !ok {
			p.log.Warn().Str("node", id.ID).Msg("Offline mark for unknown node ignored")
			continue
		}
		n.IsMarkedOfflineAvailable = keep
		n.IsInheritingOfflineAvailable = false
		n.DirtyIndex = p.repo.NextDirtyIndex()
		marked = append(marked, id)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if keep {
		p.keep.Enqueue(marked...)
	} else {
		p.remove.Enqueue(marked...)
	}
	p.updateDepths()

	if err := p.drain(ctx); err != nil {
		return err
	}
	if p.manager != nil {
		if err := p.manager.SignalEnumerator(fsprovider.WorkingSet); err != nil {
			p.log.Warn().Err(err).Msg("Working set signal failed")
		}
	}
	return nil
}

// drain pages both queues to exhaustion. Used after explicit mark
// changes, where the caller owns the whole subtree walk; surface-driven
// passes take one page at a time instead.
func (p *Propagator) drain(ctx context.Context) error {
	for {
		kept, err := p.ProcessKeepDownloadedItems(ctx)
		if err != nil {
			return err
		}
		removed, err := p.ProcessRemoveDownloadedItems(ctx)
		if err != nil {
			return err
		}
		if len(kept) == 0 && len(removed) == 0 {
			return nil
		}
	}
}

// ProcessKeepDownloadedItems takes one page off the keep queue: for each
// folder still available offline, its children gain the inherited flag
// and are enqueued in turn. The page's identifiers are returned so the
// caller can deliver the nodes to the host as updates.
func (p *Propagator) ProcessKeepDownloadedItems(ctx context.Context) ([]metadata.NodeIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := p.keep.DequeuePage()
	if len(page) == 0 {
		p.updateDepths()
		return nil, nil
	}
	if err := p.propagateKeepPage(page); err != nil {
		p.keep.Requeue(page)
		p.updateDepths()
		return nil, err
	}
	p.updateDepths()
	return page, nil
}

func (p *Propagator) propagateKeepPage(page []metadata.NodeIdentifier) error {
	tx := p.repo.Begin(p.registry, metadata.ContextBackground)
	var cascade []metadata.NodeIdentifier
	for _, id := range page {
		n, ok := tx.FetchNodeByIdentifier(id)
		if !ok || !n.IsAvailableOffline() || !n.IsFolder() {
			continue
		}
		for _, child := range tx.Children(n.VolumeID, n.ID) {
			if child.IsInheritingOfflineAvailable {
				continue
			}
			child.IsInheritingOfflineAvailable = true
			child.DirtyIndex = p.repo.NextDirtyIndex()
			if child.IsFolder() {
				cascade = append(cascade, child.Identifier())
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.keep.Enqueue(cascade...)
	return nil
}

// ProcessRemoveDownloadedItems takes one page off the remove queue:
// children of nodes that lost offline availability lose their inherited
// flag, and content of files no longer held offline is evicted from the
// host. The page's identifiers are returned for delivery as updates.
func (p *Propagator) ProcessRemoveDownloadedItems(ctx context.Context) ([]metadata.NodeIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := p.remove.DequeuePage()
	if len(page) == 0 {
		p.updateDepths()
		return nil, nil
	}
	evictions, err := p.propagateRemovePage(page)
	if err != nil {
		p.remove.Requeue(page)
		p.updateDepths()
		return nil, err
	}
	p.evict(evictions)
	p.updateDepths()
	return page, nil
}

func (p *Propagator) propagateRemovePage(page []metadata.NodeIdentifier) ([]evictionTarget, error) {
	tx := p.repo.Begin(p.registry, metadata.ContextBackground)
	var cascade []metadata.NodeIdentifier
	var evictions []evictionTarget
	for _, id := range page {
		n, ok := tx.FetchNodeByIdentifier(id)
		if !ok || n.IsAvailableOffline() {
			continue
		}
		for _, child := range tx.Children(n.VolumeID, n.ID) {
			if child.IsMarkedOfflineAvailable || !child.IsInheritingOfflineAvailable {
				continue
			}
			child.IsInheritingOfflineAvailable = false
			child.DirtyIndex = p.repo.NextDirtyIndex()
			cascade = append(cascade, child.Identifier())
		}
		evictions = append(evictions, evictionTarget{
			item:   fsprovider.MakeItemIdentifier(n.ID, n.ShareID),
			parent: fsprovider.MakeItemIdentifier(n.ParentID, n.ShareID),
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.remove.Enqueue(cascade...)
	return evictions, nil
}

type evictionTarget struct {
	item   fsprovider.ItemIdentifier
	parent fsprovider.ItemIdentifier
}

// evict removes local content through the host. The barrier failing
// does not stop the eviction: a failed wait only means pending host
// operations may see the content disappear, which the host already
// tolerates.
func (p *Propagator) evict(targets []evictionTarget) {
	if p.manager == nil {
		return
	}
	for _, t := range targets {
		if err := p.manager.WaitForChangesBelow(t.parent); err != nil {
			p.log.Warn().Err(err).Str("item", string(t.item)).Msg("Eviction barrier failed, evicting anyway")
		}
		if err := p.manager.EvictItem(t.item); err != nil {
			p.log.Warn().Err(err).Str("item", string(t.item)).Msg("Eviction failed")
			continue
		}
		if p.metrics != nil {
			p.metrics.ItemsEvicted.Inc()
		}
	}
}

// UpdateStateBasedOnParent re-derives the inherited flag of the given
// nodes from their current parents. A node moved under an offline parent
// becomes an inheritor; a node moved out from under one keeps the
// availability the user saw by gaining its own explicit mark. Either way
// the node never silently loses offline content over a move. Called
// after event application, which can move nodes into or out of offline
// subtrees.
func (p *Propagator) UpdateStateBasedOnParent(ids []metadata.NodeIdentifier) {
	tx := p.repo.Begin(p.registry, metadata.ContextBackground)
	var keep []metadata.NodeIdentifier
	for _, id := range ids {
		n, ok := tx.FetchNodeByIdentifier(id)
		if !ok || n.IsMarkedOfflineAvailable {
			continue
		}
		want := false
		if parent, ok := tx.FetchNode(n.ParentID, n.VolumeID); ok {
			want = parent.IsAvailableOffline()
		}
		if n.IsInheritingOfflineAvailable == want {
			continue
		}
		if want {
			n.IsInheritingOfflineAvailable = true
		} else {
			n.IsMarkedOfflineAvailable = true
			n.IsInheritingOfflineAvailable = false
		}
		n.DirtyIndex = p.repo.NextDirtyIndex()
		keep = append(keep, n.Identifier())
	}
	if err := tx.Commit(); err != nil {
		p.log.Warn().Err(err).Msg("Parent-derived offline update failed")
		return
	}
	p.keep.Enqueue(keep...)
	p.updateDepths()

	if err := p.drain(context.Background()); err != nil {
		p.log.Warn().Err(err).Msg("Offline propagation after parent change failed")
	}
}

func (p *Propagator) updateDepths() {
	if p.metrics == nil {
		return
	}
	p.metrics.OfflineQueueDepth.WithLabelValues("keep").Set(float64(p.keep.Len()))
	p.metrics.OfflineQueueDepth.WithLabelValues("remove").Set(float64(p.remove.Len()))
}

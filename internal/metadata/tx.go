package metadata

import "sort"

// Tx is a unit of work over the object graph. Fetches return private
// clones registered with the Tx; mutations become visible to other
// contexts only on Commit. The Tx serializes graph access for its
// lifetime, so exactly one Tx is open at a time.
type Tx struct {
	r        *Repository
	handle   *ContextHandle
	registry *ContextRegistry

	nodes     map[volumeKey]*Node
	revisions map[volumeKey]*Revision
	shares    map[string]*Share
	volumes   map[string]*Volume

	deletedNodes     map[volumeKey]*Node
	deletedRevisions map[volumeKey]struct{}

	closed bool
}

// Begin opens a transaction of the given kind, blocking until any other
// open transaction commits or rolls back.
func (r *Repository) Begin(registry *ContextRegistry, kind ContextKind) *Tx {
	r.txMu.Lock()
	tx := &Tx{
		r:                r,
		registry:         registry,
		nodes:            make(map[volumeKey]*Node),
		revisions:        make(map[volumeKey]*Revision),
		shares:           make(map[string]*Share),
		volumes:          make(map[string]*Volume),
		deletedNodes:     make(map[volumeKey]*Node),
		deletedRevisions: make(map[volumeKey]struct{}),
	}
	if registry != nil {
		tx.handle = registry.register(kind)
	}
	return tx
}

// Commit publishes the staged changes to the shared graph. It fails
// with ErrContextInvalidated if the recovery manager reset contexts
// while the Tx was open; the staged changes are discarded in that case.
func (tx *Tx) Commit() error {
	if tx.closed {
		return nil
	}
	defer tx.close()

	if tx.handle != nil && tx.handle.Invalidated() {
		return ErrContextInvalidated
	}

	r := tx.r
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for vk, old := range tx.deletedNodes {
		r.unindexShare(old)
		delete(r.nodes, vk)
		changed = true
	}
	for vk := range tx.deletedRevisions {
		delete(r.revisions, vk)
		changed = true
	}
	for vk, n := range tx.nodes {
		if old, ok := r.nodes[vk]; ok && old.ShareID != n.ShareID {
			r.unindexShare(old)
		}
		r.nodes[vk] = n
		r.indexShare(n)
		changed = true
	}
	for vk, rev := range tx.revisions {
		r.revisions[vk] = rev
		changed = true
	}
	for id, s := range tx.shares {
		r.shares[id] = s
		changed = true
	}
	for id, v := range tx.volumes {
		r.volumes[id] = v
		changed = true
	}
	if changed {
		r.dirty = true
	}
	return nil
}

// Rollback discards the staged changes.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *Tx) close() {
	tx.closed = true
	if tx.handle != nil {
		tx.registry.deregister(tx.handle)
	}
	tx.r.txMu.Unlock()
}

// --- Volumes (globally unique) ---

// FetchVolume returns the volume with the given id.
func (tx *Tx) FetchVolume(id string) (*Volume, bool) {
	if v, ok := tx.volumes[id]; ok {
		return v, true
	}
	tx.r.mu.Lock()
	base, ok := tx.r.volumes[id]
	tx.r.mu.Unlock()
	if !ok {
		return nil, false
	}
	v := base.clone()
	tx.volumes[id] = v
	return v, true
}

// FetchOrCreateVolume returns the existing volume or stages a new one.
func (tx *Tx) FetchOrCreateVolume(id string) *Volume {
	if v, ok := tx.FetchVolume(id); ok {
		return v
	}
	v := &Volume{ID: id, Type: VolumeOther}
	tx.volumes[id] = v
	return v
}

// --- Shares (globally unique) ---

// FetchShare returns the share with the given id.
func (tx *Tx) FetchShare(id string) (*Share, bool) {
	if s, ok := tx.shares[id]; ok {
		return s, true
	}
	tx.r.mu.Lock()
	base, ok := tx.r.shares[id]
	tx.r.mu.Unlock()
	if !ok {
		return nil, false
	}
	s := base.clone()
	tx.shares[id] = s
	return s, true
}

// FetchOrCreateShare returns the existing share or stages a new one.
func (tx *Tx) FetchOrCreateShare(id string) *Share {
	if s, ok := tx.FetchShare(id); ok {
		return s
	}
	s := &Share{ID: id, Type: ShareUndefined}
	tx.shares[id] = s
	return s
}

// FetchOrCreateShareIDs is the set-based batch variant: one pass over
// the existing rows, then creation of only the missing complement.
func (tx *Tx) FetchOrCreateShareIDs(ids []string) []*Share {
	seen := make(map[string]struct{}, len(ids))
	result := make([]*Share, 0, len(ids))
	tx.r.mu.Lock()
	existing := make(map[string]*Share, len(ids))
	for _, id := range ids {
		if s, ok := tx.r.shares[id]; ok {
			existing[id] = s
		}
	}
	tx.r.mu.Unlock()

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s, ok := tx.shares[id]; ok {
			result = append(result, s)
			continue
		}
		if base, ok := existing[id]; ok {
			s := base.clone()
			tx.shares[id] = s
			result = append(result, s)
			continue
		}
		s := &Share{ID: id, Type: ShareUndefined}
		tx.shares[id] = s
		result = append(result, s)
	}
	return result
}

// MainShare returns the main-type share of a volume for a creator
// address, enforcing the at-most-one invariant via duplicate reporting.
func (tx *Tx) MainShare(volumeID, addressID string) (*Share, bool) {
	var matches []*Share
	for _, s := range tx.allShares() {
		if s.Type == ShareMain && s.VolumeID == volumeID && s.AddressID == addressID {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	if len(matches) > 1 {
		tx.r.dup("Share", matches[0].ID, len(matches))
	}
	return matches[0], true
}

func (tx *Tx) allShares() []*Share {
	tx.r.mu.Lock()
	all := make([]*Share, 0, len(tx.r.shares))
	for id, s := range tx.r.shares {
		if staged, ok := tx.shares[id]; ok {
			all = append(all, staged)
			continue
		}
		all = append(all, s)
	}
	tx.r.mu.Unlock()
	for id, s := range tx.shares {
		if _, inBase := tx.r.shares[id]; !inBase {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// --- Nodes (volume-unique, parent-qualified) ---

func (tx *Tx) fetchNodeKey(vk volumeKey) (*Node, bool) {
	if _, gone := tx.deletedNodes[vk]; gone {
		return nil, false
	}
	if n, ok := tx.nodes[vk]; ok {
		return n, true
	}
	tx.r.mu.Lock()
	base, ok := tx.r.nodes[vk]
	tx.r.mu.Unlock()
	if !ok {
		return nil, false
	}
	n := base.clone()
	tx.nodes[vk] = n
	return n, true
}

// FetchNode returns the node addressed by (id, volumeID).
func (tx *Tx) FetchNode(id, volumeID string) (*Node, bool) {
	return tx.fetchNodeKey(volumeKey{id, volumeID})
}

// FetchNodeInShare returns the node addressed by (id, shareID). When
// the share index holds several rows for the pair, the duplicate is
// reported and the first match wins.
func (tx *Tx) FetchNodeInShare(id, shareID string) (*Node, bool) {
	tx.r.mu.Lock()
	keys := append([]volumeKey(nil), tx.r.nodesByShare[shareKey{id, shareID}]...)
	tx.r.mu.Unlock()

	// Staged-only nodes are not in the base index yet.
	for _, n := range tx.nodes {
		if n.ID == id && n.ShareID == shareID {
			vk := volumeKey{n.ID, n.VolumeID}
			found := false
			for _, k := range keys {
				if k == vk {
					found = true
					break
				}
			}
			if !found {
				keys = append(keys, vk)
			}
		}
	}

	var matches []*Node
	for _, vk := range keys {
		if n, ok := tx.fetchNodeKey(vk); ok {
			matches = append(matches, n)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	if len(matches) > 1 {
		tx.r.dup("Node", id, len(matches))
	}
	return matches[0], true
}

// FetchNodeByIdentifier resolves either addressing mode: volume when
// VolumeID is set, share otherwise.
func (tx *Tx) FetchNodeByIdentifier(id NodeIdentifier) (*Node, bool) {
	if id.VolumeID != "" {
		if n, ok := tx.FetchNode(id.ID, id.VolumeID); ok {
			return n, true
		}
	}
	if id.ShareID != "" {
		return tx.FetchNodeInShare(id.ID, id.ShareID)
	}
	return nil, false
}

// FetchOrCreateNode fetches the node keyed by (id, volumeID, parentID)
// or stages a new one. parentID may be empty, meaning root.
func (tx *Tx) FetchOrCreateNode(id, volumeID, parentID string) *Node {
	if n, ok := tx.FetchNode(id, volumeID); ok && n.ParentID == parentID {
		return n
	}
	n := &Node{ID: id, VolumeID: volumeID, ParentID: parentID, State: StateActive}
	tx.nodes[volumeKey{id, volumeID}] = n
	delete(tx.deletedNodes, volumeKey{id, volumeID})
	return n
}

// FetchAllInVolume returns every node matching (id, volumeID). Multiple
// matches are possible when the parent is not part of the key.
func (tx *Tx) FetchAllInVolume(id, volumeID string) []*Node {
	var result []*Node
	if n, ok := tx.FetchNode(id, volumeID); ok {
		result = append(result, n)
	}
	return result
}

// DeleteNode purges a node and all its descendants, together with the
// revisions they own.
func (tx *Tx) DeleteNode(n *Node) {
	vk := volumeKey{n.ID, n.VolumeID}
	for _, child := range tx.Children(n.VolumeID, n.ID) {
		tx.DeleteNode(child)
	}
	if n.ActiveRevisionID != "" {
		tx.DeleteRevision(n.ActiveRevisionID, n.VolumeID)
	}
	if orig, ok := tx.fetchNodeKey(vk); ok {
		tx.deletedNodes[vk] = orig
	} else {
		tx.deletedNodes[vk] = n
	}
	delete(tx.nodes, vk)
}

// Children returns the merged view of a folder's direct children,
// sorted by id for determinism.
func (tx *Tx) Children(volumeID, parentID string) []*Node {
	var result []*Node
	for _, n := range tx.allNodes() {
		if n.VolumeID == volumeID && n.ParentID == parentID && !n.IsRoot() {
			result = append(result, n)
		}
	}
	return result
}

// allNodes returns the merged base+staged view, sorted by (volume, id).
func (tx *Tx) allNodes() []*Node {
	tx.r.mu.Lock()
	keys := make([]volumeKey, 0, len(tx.r.nodes))
	for vk := range tx.r.nodes {
		keys = append(keys, vk)
	}
	tx.r.mu.Unlock()

	seen := make(map[volumeKey]struct{}, len(keys))
	var all []*Node
	for _, vk := range keys {
		seen[vk] = struct{}{}
		if n, ok := tx.fetchNodeKey(vk); ok {
			all = append(all, n)
		}
	}
	for vk, n := range tx.nodes {
		if _, dup := seen[vk]; !dup {
			all = append(all, n)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].VolumeID != all[j].VolumeID {
			return all[i].VolumeID < all[j].VolumeID
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// --- Revisions (volume-unique) ---

// FetchRevision returns the revision addressed by (id, volumeID).
func (tx *Tx) FetchRevision(id, volumeID string) (*Revision, bool) {
	vk := volumeKey{id, volumeID}
	if _, gone := tx.deletedRevisions[vk]; gone {
		return nil, false
	}
	if rev, ok := tx.revisions[vk]; ok {
		return rev, true
	}
	tx.r.mu.Lock()
	base, ok := tx.r.revisions[vk]
	tx.r.mu.Unlock()
	if !ok {
		return nil, false
	}
	rev := base.clone()
	tx.revisions[vk] = rev
	return rev, true
}

// FetchOrCreateRevision fetches or stages a revision owned by a file.
func (tx *Tx) FetchOrCreateRevision(id, volumeID, fileID string) *Revision {
	if rev, ok := tx.FetchRevision(id, volumeID); ok {
		return rev
	}
	rev := &Revision{ID: id, VolumeID: volumeID, FileID: fileID, State: RevisionDraft}
	tx.revisions[volumeKey{id, volumeID}] = rev
	delete(tx.deletedRevisions, volumeKey{id, volumeID})
	return rev
}

// DeleteRevision purges a revision.
func (tx *Tx) DeleteRevision(id, volumeID string) {
	vk := volumeKey{id, volumeID}
	delete(tx.revisions, vk)
	tx.deletedRevisions[vk] = struct{}{}
}

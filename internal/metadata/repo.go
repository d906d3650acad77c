package metadata

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DuplicateReporter is invoked when a lookup that should match at most
// one row matches several. Production installs a logging reporter and
// proceeds with the first match; tests install a strict reporter.
type DuplicateReporter func(entity, id string, count int)

// Repository holds the shared object graph. Access is serialized: a Tx
// owns the graph for its lifetime, so background event application and
// host-visible reads never interleave field-by-field.
type Repository struct {
	txMu sync.Mutex // held by the open Tx

	mu         sync.Mutex // guards everything below
	nodes      map[volumeKey]*Node
	revisions  map[volumeKey]*Revision
	shares     map[string]*Share
	volumes    map[string]*Volume
	nodesByShare map[shareKey][]volumeKey

	dirtyCounter int64
	dirty        bool

	dup DuplicateReporter
	log zerolog.Logger
}

type volumeKey struct{ id, volumeID string }
type shareKey struct{ id, shareID string }

// NewRepository returns an empty repository. The default duplicate
// reporter logs a warning and lets the first match win.
func NewRepository() *Repository {
	r := &Repository{
		nodes:        make(map[volumeKey]*Node),
		revisions:    make(map[volumeKey]*Revision),
		shares:       make(map[string]*Share),
		volumes:      make(map[string]*Volume),
		nodesByShare: make(map[shareKey][]volumeKey),
		log:          log.With().Str("component", "metadata").Logger(),
	}
	r.dup = func(entity, id string, count int) {
		r.log.Warn().
			Str("entity", entity).
			Str("id", id).
			Int("count", count).
			Msg("Multiple rows found for unique identity, using first match")
	}
	return r
}

// SetDuplicateReporter overrides the duplicate handler. Tests use this
// to turn the lenient first-match-wins behavior into a hard failure.
func (r *Repository) SetDuplicateReporter(dup DuplicateReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dup = dup
}

// NextDirtyIndex returns a monotonically increasing marker used to
// order pending-sync work.
func (r *Repository) NextDirtyIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirtyCounter++
	return r.dirtyCounter
}

// Dirty reports whether the graph changed since the last snapshot save.
func (r *Repository) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Repository) markClean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}

// reindexShare rebuilds the share index entry for a node key.
func (r *Repository) indexShare(n *Node) {
	if n.ShareID == "" {
		return
	}
	sk := shareKey{n.ID, n.ShareID}
	vk := volumeKey{n.ID, n.VolumeID}
	for _, existing := range r.nodesByShare[sk] {
		if existing == vk {
			return
		}
	}
	r.nodesByShare[sk] = append(r.nodesByShare[sk], vk)
}

func (r *Repository) unindexShare(n *Node) {
	if n.ShareID == "" {
		return
	}
	sk := shareKey{n.ID, n.ShareID}
	vk := volumeKey{n.ID, n.VolumeID}
	keys := r.nodesByShare[sk]
	for i, existing := range keys {
		if existing == vk {
			r.nodesByShare[sk] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(r.nodesByShare[sk]) == 0 {
		delete(r.nodesByShare, sk)
	}
}

// Package offline propagates offline-availability marks through the
// node tree and evicts local content when a mark is removed. An explicit
// mark on a folder is inherited by everything below it; propagation runs
// through two paged FIFO queues so arbitrarily deep trees are handled in
// bounded batches.
package offline

import (
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/drivesync/drivesync/internal/metadata"
)

// QueuePageSize is how many identifiers one propagation pass takes off a
// queue.
const QueuePageSize = 150

// Queue is a FIFO of node identifiers with duplicate suppression: an
// identifier already pending is not enqueued again.
type Queue struct {
	mu      sync.Mutex
	items   []metadata.NodeIdentifier
	pending map[metadata.NodeIdentifier]struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[metadata.NodeIdentifier]struct{})}
}

// Enqueue appends identifiers not already pending.
func (q *Queue) Enqueue(ids ...metadata.NodeIdentifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if _, ok := q.pending[id]; ok {
			continue
		}
		q.pending[id] = struct{}{}
		q.items = append(q.items, id)
	}
}

// DequeuePage removes and returns up to QueuePageSize identifiers in
// FIFO order.
func (q *Queue) DequeuePage() []metadata.NodeIdentifier {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > QueuePageSize {
		n = QueuePageSize
	}
	page := make([]metadata.NodeIdentifier, n)
	copy(page, q.items[:n])
	q.items = q.items[n:]
	for _, id := range page {
		delete(q.pending, id)
	}
	return page
}

// Requeue puts identifiers back at the front after a failed pass.
func (q *Queue) Requeue(ids []metadata.NodeIdentifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fresh := ids[:0:0]
	for _, id := range ids {
		if _, ok := q.pending[id]; ok {
			continue
		}
		q.pending[id] = struct{}{}
		fresh = append(fresh, id)
	}
	q.items = append(fresh, q.items...)
}

// Len returns the number of pending identifiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Save persists the pending identifiers.
func (q *Queue) Save(fs billy.Filesystem, path string) error {
	q.mu.Lock()
	snap := append([]metadata.NodeIdentifier(nil), q.items...)
	q.mu.Unlock()
	return metadata.WriteSnapshotFile(fs, path, snap)
}

// Load restores pending identifiers; a missing file leaves the queue
// empty.
func (q *Queue) Load(fs billy.Filesystem, path string) error {
	var snap []metadata.NodeIdentifier
	if err := metadata.ReadSnapshotFile(fs, path, &snap); err != nil {
		if _, statErr := fs.Stat(path); statErr != nil {
			return nil
		}
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pending = make(map[metadata.NodeIdentifier]struct{}, len(snap))
	for _, id := range snap {
		if _, ok := q.pending[id]; ok {
			continue
		}
		q.pending[id] = struct{}{}
		q.items = append(q.items, id)
	}
	return nil
}

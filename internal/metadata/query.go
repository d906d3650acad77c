package metadata

import "sort"

// NodeFilter selects nodes for a query. A nil filter matches all.
type NodeFilter func(*Node) bool

// SortKey is the caller-chosen middle component of the composite sort
// order. The full order is always (state, key, id): state groups keep
// deleted rows clustered, and the id tie-break makes the order total so
// that stateless paging never skips or duplicates items.
type SortKey int

const (
	SortByName SortKey = iota
	SortByModified
	SortBySize
)

// ExcludeDeleted filters out remotely trashed nodes. This is the
// default view; the trash enumerator passes a nil filter instead.
func ExcludeDeleted(n *Node) bool { return n.State != StateDeleted }

// OnlyDeleted selects the trash view.
func OnlyDeleted(n *Node) bool { return n.State == StateDeleted }

// AvailableOffline selects the nodes in the offline working set.
func AvailableOffline(n *Node) bool { return n.IsAvailableOffline() }

var stateRank = map[NodeState]int{
	StateActive:          0,
	StateUploading:       1,
	StateCloudImpediment: 2,
	StatePaused:          3,
	StateInterrupted:     4,
	StateDeleted:         5,
}

func nodeLess(a, b *Node, key SortKey) bool {
	if ra, rb := stateRank[a.State], stateRank[b.State]; ra != rb {
		return ra < rb
	}
	switch key {
	case SortByModified:
		if !a.ModifiedDate.Equal(b.ModifiedDate) {
			return a.ModifiedDate.Before(b.ModifiedDate)
		}
	case SortBySize:
		if a.Size != b.Size {
			return a.Size < b.Size
		}
	default:
		if a.Name != b.Name {
			return a.Name < b.Name
		}
	}
	return a.ID < b.ID
}

// QueryChildren returns one page of a folder's children, filtered and
// sorted by the composite (state, key, id) order. page is zero-based.
func (tx *Tx) QueryChildren(volumeID, parentID string, filter NodeFilter, key SortKey, page, pageSize int) []*Node {
	children := tx.Children(volumeID, parentID)
	return sortAndPage(children, filter, key, page, pageSize)
}

// QueryNodes returns one page over the whole graph, for working-set
// style enumerations.
func (tx *Tx) QueryNodes(filter NodeFilter, key SortKey, page, pageSize int) []*Node {
	return sortAndPage(tx.allNodes(), filter, key, page, pageSize)
}

func sortAndPage(nodes []*Node, filter NodeFilter, key SortKey, page, pageSize int) []*Node {
	filtered := nodes[:0:0]
	for _, n := range nodes {
		if filter == nil || filter(n) {
			filtered = append(filtered, n)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return nodeLess(filtered[i], filtered[j], key) })

	if pageSize <= 0 {
		return filtered
	}
	start := page * pageSize
	if start >= len(filtered) {
		return nil
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end]
}

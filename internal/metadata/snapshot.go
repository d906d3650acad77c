package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
)

// snapshotMagic guards against loading a file that is not a metadata
// snapshot (for example a truncated or foreign file left behind by an
// interrupted recovery).
const snapshotMagic = "drivesync-metadata"

const snapshotVersion = 1

type snapshot struct {
	Magic   string `json:"magic"`
	Version int    `json:"version"`

	Nodes     []*Node     `json:"nodes"`
	Revisions []*Revision `json:"revisions"`
	Shares    []*Share    `json:"shares"`
	Volumes   []*Volume   `json:"volumes"`

	DirtyCounter int64 `json:"dirtyCounter"`
}

// SaveSnapshot serializes the whole object graph into a zstd-compressed
// snapshot at path, written to a temp file and renamed into place so a
// crash never leaves a half-written store.
func (r *Repository) SaveSnapshot(fs billy.Filesystem, path string) error {
	r.mu.Lock()
	snap := snapshot{
		Magic:        snapshotMagic,
		Version:      snapshotVersion,
		DirtyCounter: r.dirtyCounter,
	}
	for _, n := range r.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, rev := range r.revisions {
		snap.Revisions = append(snap.Revisions, rev)
	}
	for _, s := range r.shares {
		snap.Shares = append(snap.Shares, s)
	}
	for _, v := range r.volumes {
		snap.Volumes = append(snap.Volumes, v)
	}
	r.mu.Unlock()

	// Deterministic output so identical graphs produce identical files.
	sort.Slice(snap.Nodes, func(i, j int) bool {
		if snap.Nodes[i].VolumeID != snap.Nodes[j].VolumeID {
			return snap.Nodes[i].VolumeID < snap.Nodes[j].VolumeID
		}
		return snap.Nodes[i].ID < snap.Nodes[j].ID
	})
	sort.Slice(snap.Revisions, func(i, j int) bool { return snap.Revisions[i].ID < snap.Revisions[j].ID })
	sort.Slice(snap.Shares, func(i, j int) bool { return snap.Shares[i].ID < snap.Shares[j].ID })
	sort.Slice(snap.Volumes, func(i, j int) bool { return snap.Volumes[i].ID < snap.Volumes[j].ID })

	if err := WriteSnapshotFile(fs, path, &snap); err != nil {
		return err
	}
	r.markClean()
	return nil
}

// LoadSnapshot replaces the object graph with the snapshot at path. A
// missing file yields an empty graph, not an error: first run.
func (r *Repository) LoadSnapshot(fs billy.Filesystem, path string) error {
	var snap snapshot
	err := ReadSnapshotFile(fs, path, &snap)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Magic != snapshotMagic {
		return fmt.Errorf("not a metadata snapshot: %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[volumeKey]*Node, len(snap.Nodes))
	r.revisions = make(map[volumeKey]*Revision, len(snap.Revisions))
	r.shares = make(map[string]*Share, len(snap.Shares))
	r.volumes = make(map[string]*Volume, len(snap.Volumes))
	r.nodesByShare = make(map[shareKey][]volumeKey)
	for _, n := range snap.Nodes {
		r.nodes[volumeKey{n.ID, n.VolumeID}] = n
		r.indexShare(n)
	}
	for _, rev := range snap.Revisions {
		r.revisions[volumeKey{rev.ID, rev.VolumeID}] = rev
	}
	for _, s := range snap.Shares {
		r.shares[s.ID] = s
	}
	for _, v := range snap.Volumes {
		r.volumes[v.ID] = v
	}
	r.dirtyCounter = snap.DirtyCounter
	r.dirty = false
	return nil
}

// WriteSnapshotFile writes v as zstd-compressed JSON to path via a
// temp-file rename. Shared with the event ledger's persistence.
func WriteSnapshotFile(fs billy.Filesystem, path string, v any) error {
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("snapshot encoder: %w", err)
	}
	werr := json.NewEncoder(enc).Encode(v)
	if cerr := enc.Close(); werr == nil {
		werr = cerr
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", werr)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile reads zstd-compressed JSON from path into v.
func ReadSnapshotFile(fs billy.Filesystem, path string, v any) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("snapshot decoder: %w", err)
	}
	defer dec.Close()

	if err := json.NewDecoder(dec).Decode(v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}

// ValidateSnapshotFile reports whether path holds a loadable metadata
// snapshot. The recovery manager uses this to detect corrupt backups.
func ValidateSnapshotFile(fs billy.Filesystem, path string) error {
	var snap snapshot
	if err := ReadSnapshotFile(fs, path, &snap); err != nil {
		return err
	}
	if snap.Magic != snapshotMagic {
		return fmt.Errorf("not a metadata snapshot: %s", path)
	}
	return nil
}

// CopyFile duplicates a store file. Used by the recovery manager's
// migrate-to-backup step.
func CopyFile(fs billy.Filesystem, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = fs.Remove(dst)
		return err
	}
	return out.Close()
}

// RemoveStoreFiles removes the store file at path together with its
// sidecar files (temp and journal leftovers).
func RemoveStoreFiles(fs billy.Filesystem, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = billyutil.RemoveAll(fs, path+".tmp")
	return nil
}

package metadata

// RevisionState mirrors the remote lifecycle of a content revision.
type RevisionState string

const (
	RevisionDraft      RevisionState = "draft"
	RevisionUploading  RevisionState = "uploading"
	RevisionActive     RevisionState = "active"
	RevisionSuperseded RevisionState = "superseded"
)

// Revision is a versioned content snapshot of a file. Revisions are
// owned by exactly one file; a new upload creates a draft and the old
// active revision is superseded, not deleted.
type Revision struct {
	ID       string
	VolumeID string
	FileID   string

	State             RevisionState
	ManifestSignature string
	ThumbnailIDs      []string
}

func (r *Revision) clone() *Revision {
	c := *r
	c.ThumbnailIDs = append([]string(nil), r.ThumbnailIDs...)
	return &c
}

// ShareType classifies a share.
type ShareType string

const (
	ShareMain      ShareType = "main"
	SharePhotos    ShareType = "photos"
	ShareStandard  ShareType = "standard"
	ShareUndefined ShareType = "undefined"
)

// Share is a grouping and permission boundary. VolumeID is empty until
// the share is linked to a volume. At most one main-type share may
// exist per (volume, creator address).
type Share struct {
	ID        string
	Type      ShareType
	VolumeID  string
	AddressID string
	RootNodeID string
}

func (s *Share) clone() *Share {
	c := *s
	return &c
}

// VolumeType classifies a volume.
type VolumeType string

const (
	VolumeMain  VolumeType = "main"
	VolumePhoto VolumeType = "photo"
	VolumeOther VolumeType = "other"
)

// Volume is a top-level storage container. A volume is "main" when it
// holds a main-type share.
type Volume struct {
	ID   string
	Type VolumeType
}

func (v *Volume) clone() *Volume {
	c := *v
	return &c
}

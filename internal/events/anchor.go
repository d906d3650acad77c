package events

import (
	"encoding/json"
	"fmt"

	"github.com/drivesync/drivesync/internal/fsprovider"
)

// Anchor is the decoded form of the opaque sync anchor: the last
// handled event, the share it was enumerated for, and the epoch the
// event system was tracking under. Two anchors whose reference dates
// differ are never equal, whatever their event ids say; an anchor from
// an old epoch must trigger a full re-enumeration, never partial
// replay.
type Anchor struct {
	EventID string `json:"eventID"`
	ShareID string `json:"shareID"`
	// ReferenceDate is kept as unix nanoseconds so that encoding the
	// same anchor always produces the same bytes: the host compares
	// anchors byte-for-byte.
	ReferenceDate int64 `json:"referenceDate"`
}

// Encode serializes the anchor into its opaque wire form.
func (a Anchor) Encode() fsprovider.SyncAnchor {
	raw, err := json.Marshal(a)
	if err != nil {
		// Three scalar fields; cannot fail.
		panic(fmt.Sprintf("encode anchor: %v", err))
	}
	return fsprovider.SyncAnchor(raw)
}

// DecodeAnchor parses an opaque anchor handed back by the host.
func DecodeAnchor(raw fsprovider.SyncAnchor) (Anchor, error) {
	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return Anchor{}, fmt.Errorf("decode sync anchor: %w", err)
	}
	return a, nil
}

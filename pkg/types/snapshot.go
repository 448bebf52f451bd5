package types

import "time"

// FormatVersion is written into every snapshot's metadata.
const FormatVersion = "1.0"

// MaxFrameBytes is the default limit on a single websocket message.
const MaxFrameBytes int64 = 16 << 20

// saveFrameOverhead covers the envelope around the blob in a SaveState call.
const saveFrameOverhead = 1 << 10

// MaxStateBytes is the largest blob whose SaveState call fits in a message of
// frameLimit bytes. Blobs travel base64 encoded, so only about three quarters
// of the limit is usable.
func MaxStateBytes(frameLimit int64) int64 {
	if frameLimit <= saveFrameOverhead {
		return 0
	}
	return (frameLimit - saveFrameOverhead) / 4 * 3
}

// StateMetadata describes the current shared snapshot. The blob itself is an
// opaque serialized database produced by the desktop client.
type StateMetadata struct {
	LastSavedUTC  time.Time `json:"lastSavedUtc"`
	SavedBy       string    `json:"savedBy"`
	SizeBytes     int64     `json:"sizeBytes"`
	FormatVersion string    `json:"formatVersion"`
	Checksum      string    `json:"checksum"` // hex sha256 of the blob
}

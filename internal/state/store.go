package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

var (
	ErrNoState      = errors.New("no state saved")
	ErrCorruptState = errors.New("state checksum mismatch")
)

// Store keeps a single current snapshot. A save replaces blob and metadata
// together; readers never see a blob paired with another save's metadata.
type Store interface {
	// GetState returns the current blob or ErrNoState.
	GetState(ctx context.Context) ([]byte, error)
	// SaveState overwrites the current snapshot.
	SaveState(ctx context.Context, blob []byte, savedBy string) (types.StateMetadata, error)
	// GetMetadata returns the current metadata or ErrNoState.
	GetMetadata(ctx context.Context) (types.StateMetadata, error)
	StateExists(ctx context.Context) (bool, error)
	// DeleteState removes blob and metadata. Deleting nothing is not an error.
	DeleteState(ctx context.Context) error
}

func newMetadata(blob []byte, savedBy string) types.StateMetadata {
	return types.StateMetadata{
		LastSavedUTC:  time.Now().UTC(),
		SavedBy:       savedBy,
		SizeBytes:     int64(len(blob)),
		FormatVersion: types.FormatVersion,
		Checksum:      checksum(blob),
	}
}

func checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func verify(blob []byte, meta types.StateMetadata) error {
	if meta.Checksum != "" && meta.Checksum != checksum(blob) {
		return ErrCorruptState
	}
	return nil
}

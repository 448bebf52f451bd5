package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "StateStorage")
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	return s, dir
}

func newSqliteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "state.db")+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // sqlite
	s, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]Store {
	fs, _ := newFileStore(t)
	return map[string]Store{
		"file": fs,
		"gorm": newSqliteStore(t),
	}
}

func TestStore_EmptyHasNoState(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetState(ctx)
			assert.ErrorIs(t, err, ErrNoState)

			_, err = s.GetMetadata(ctx)
			assert.ErrorIs(t, err, ErrNoState)

			ok, err := s.StateExists(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			assert.NoError(t, s.DeleteState(ctx), "deleting nothing is fine")
		})
	}
}

func TestStore_SaveThenGetRoundTrip(t *testing.T) {
	blob := []byte("SQLite format 3\x00\x01\x02 layout")

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			meta, err := s.SaveState(ctx, blob, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(len(blob)), meta.SizeBytes)
			assert.Equal(t, "alice", meta.SavedBy)
			assert.Equal(t, types.FormatVersion, meta.FormatVersion)

			got, err := s.GetState(ctx)
			require.NoError(t, err)
			assert.Equal(t, blob, got)

			stored, err := s.GetMetadata(ctx)
			require.NoError(t, err)
			assert.Equal(t, meta.Checksum, stored.Checksum)
			assert.Equal(t, "alice", stored.SavedBy)
			assert.WithinDuration(t, meta.LastSavedUTC, stored.LastSavedUTC, time.Second)

			ok, err := s.StateExists(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.SaveState(ctx, []byte("first"), "alice")
			require.NoError(t, err)
			_, err = s.SaveState(ctx, []byte("second, longer"), "bob")
			require.NoError(t, err)

			got, err := s.GetState(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte("second, longer"), got)

			meta, err := s.GetMetadata(ctx)
			require.NoError(t, err)
			assert.Equal(t, "bob", meta.SavedBy)
			assert.Equal(t, int64(len("second, longer")), meta.SizeBytes)
		})
	}
}

func TestStore_EmptyBlobIsAState(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.SaveState(ctx, []byte{}, "alice")
			require.NoError(t, err)

			got, err := s.GetState(ctx)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.SaveState(ctx, []byte("x"), "alice")
			require.NoError(t, err)

			require.NoError(t, s.DeleteState(ctx))

			_, err = s.GetState(ctx)
			assert.ErrorIs(t, err, ErrNoState)
			ok, err := s.StateExists(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_ConcurrentSavesLeaveConsistentPair(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 8

			var wg sync.WaitGroup
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					blob := bytes.Repeat([]byte{byte('a' + i)}, 1024*(i+1))
					_, err := s.SaveState(ctx, blob, fmt.Sprintf("user-%d", i))
					assert.NoError(t, err)
				}()
			}

			// readers racing the writers must never see a mismatched pair
			done := make(chan struct{})
			var rwg sync.WaitGroup
			for range 4 {
				rwg.Add(1)
				go func() {
					defer rwg.Done()
					for {
						select {
						case <-done:
							return
						default:
						}
						_, err := s.GetState(ctx)
						if errors.Is(err, ErrNoState) {
							continue
						}
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()
			close(done)
			rwg.Wait()

			blob, err := s.GetState(ctx)
			require.NoError(t, err)
			meta, err := s.GetMetadata(ctx)
			require.NoError(t, err)

			require.NotEmpty(t, blob)
			i := int(blob[0] - 'a')
			assert.Equal(t, fmt.Sprintf("user-%d", i), meta.SavedBy)
			assert.Equal(t, int64(len(blob)), meta.SizeBytes)
			assert.Equal(t, checksum(blob), meta.Checksum)
		})
	}
}

func TestFileStore_KeepsOnlyCurrentGeneration(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	for i := range 3 {
		_, err := s.SaveState(ctx, []byte{byte(i)}, "alice")
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{currentFile, "snap-0000000000000003"}, names)
}

func TestFileStore_ReopenResumesAndCleansLeftovers(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()
	_, err := s.SaveState(ctx, []byte("kept"), "alice")
	require.NoError(t, err)

	// a save that died before publishing
	leftover := filepath.Join(dir, "snap-0000000000000002"+tmpSuffix)
	require.NoError(t, os.Mkdir(leftover, privateDirMode))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, blobFile), []byte("half"), privateFileMode))

	reopened, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	assert.NoDirExists(t, leftover)

	got, err := reopened.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)

	_, err = reopened.SaveState(ctx, []byte("next"), "bob")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "snap-0000000000000002"))
}

func TestFileStore_DetectsCorruptBlob(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()
	_, err := s.SaveState(ctx, []byte("original"), "alice")
	require.NoError(t, err)

	gen, err := s.current()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, gen, blobFile), []byte("tampered"), privateFileMode))

	_, err = s.GetState(ctx)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestFileStore_CanceledContext(t *testing.T) {
	s, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SaveState(ctx, []byte("x"), "alice")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.GetState(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore_SaveFailsWhenDirUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	s, dir := newFileStore(t)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, privateDirMode) })

	_, err := s.SaveState(context.Background(), []byte("x"), "alice")
	assert.Error(t, err)
}

func TestFileStore_PointerSyncFailureKeepsPublishedGeneration(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()
	_, err := s.SaveState(ctx, []byte("first"), "alice")
	require.NoError(t, err)

	errSync := errors.New("fsync failed")
	s.syncDir = func(d string) error {
		if d == dir {
			return errSync
		}
		return syncDir(d)
	}
	_, err = s.SaveState(ctx, []byte("second"), "alice")
	require.ErrorIs(t, err, errSync)

	blob, err := s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), blob)
	meta, err := s.GetMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len("second")), meta.SizeBytes)

	s.syncDir = syncDir
	_, err = s.SaveState(ctx, []byte("third"), "alice")
	require.NoError(t, err)
	blob, err = s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), blob)
}

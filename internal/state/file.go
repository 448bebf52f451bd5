package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

const (
	currentFile = "CURRENT"
	blobFile    = "shared_state.db"
	metaFile    = "state_metadata.json"
	genPrefix   = "snap-"
	tmpSuffix   = ".tmp"

	privateFileMode = 0o600
	privateDirMode  = 0o700
)

// FileStore keeps each save in its own generation directory and publishes it
// by atomically replacing the CURRENT pointer file:
//
//	<dir>/CURRENT                        -> "snap-000000000000002a"
//	<dir>/snap-000000000000002a/shared_state.db
//	<dir>/snap-000000000000002a/state_metadata.json
type FileStore struct {
	dir string
	log *zap.Logger

	mu  sync.RWMutex
	seq uint64

	syncDir func(dir string) error
}

func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, privateDirMode); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &FileStore{dir: dir, log: log, syncDir: syncDir}

	gen, err := s.current()
	switch {
	case err == nil:
		seq, perr := strconv.ParseUint(strings.TrimPrefix(gen, genPrefix), 16, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse %s: %w", currentFile, perr)
		}
		s.seq = seq
	case !errors.Is(err, ErrNoState):
		return nil, err
	}

	// leftovers of a save interrupted by a crash
	if err := s.purge(gen); err != nil {
		log.Warn("purge stale generations", zap.Error(err))
	}
	return s, nil
}

func (s *FileStore) GetState(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen, err := s.current()
	if err != nil {
		return nil, err
	}
	meta, err := s.readMeta(gen)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(filepath.Join(s.dir, gen, blobFile))
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := verify(blob, meta); err != nil {
		return nil, fmt.Errorf("%s: %w", gen, err)
	}
	s.log.Debug("state loaded", zap.String("generation", gen), zap.Int("bytes", len(blob)))
	return blob, nil
}

func (s *FileStore) SaveState(ctx context.Context, blob []byte, savedBy string) (types.StateMetadata, error) {
	if err := ctx.Err(); err != nil {
		return types.StateMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := newMetadata(blob, savedBy)
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return types.StateMetadata{}, fmt.Errorf("encode metadata: %w", err)
	}

	seq := s.seq + 1
	gen := fmt.Sprintf("%s%016x", genPrefix, seq)
	tmp := filepath.Join(s.dir, gen+tmpSuffix)
	final := filepath.Join(s.dir, gen)

	if err := s.writeGeneration(tmp, blob, metaJSON); err != nil {
		os.RemoveAll(tmp)
		return types.StateMetadata{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return types.StateMetadata{}, fmt.Errorf("publish generation: %w", err)
	}
	if swapped, err := s.swapCurrent(gen); err != nil {
		if !swapped {
			os.RemoveAll(final)
			return types.StateMetadata{}, err
		}
		// CURRENT already names gen; keep it readable even though the
		// directory entry may not be durable yet.
		s.seq = seq
		return types.StateMetadata{}, err
	}
	s.seq = seq

	if err := s.purge(gen); err != nil {
		s.log.Warn("purge old generations", zap.Error(err))
	}
	s.log.Info("state saved",
		zap.String("generation", gen),
		zap.Int64("bytes", meta.SizeBytes),
		zap.String("saved_by", savedBy))
	return meta, nil
}

func (s *FileStore) GetMetadata(ctx context.Context) (types.StateMetadata, error) {
	if err := ctx.Err(); err != nil {
		return types.StateMetadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen, err := s.current()
	if err != nil {
		return types.StateMetadata{}, err
	}
	return s.readMeta(gen)
}

func (s *FileStore) StateExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.current()
	if errors.Is(err, ErrNoState) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) DeleteState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// dropping the pointer first makes the state disappear in one step
	err := os.Remove(filepath.Join(s.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	if err := s.purge(""); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	s.log.Info("state deleted")
	return nil
}

// current returns the generation named by CURRENT.
func (s *FileStore) current() (string, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoState
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", currentFile, err)
	}
	gen := strings.TrimSpace(string(b))
	if !strings.HasPrefix(gen, genPrefix) {
		return "", fmt.Errorf("%s names %q: %w", currentFile, gen, ErrCorruptState)
	}
	return gen, nil
}

func (s *FileStore) readMeta(gen string) (types.StateMetadata, error) {
	var meta types.StateMetadata
	b, err := os.ReadFile(filepath.Join(s.dir, gen, metaFile))
	if err != nil {
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func (s *FileStore) writeGeneration(tmp string, blob, metaJSON []byte) error {
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear temp generation: %w", err)
	}
	if err := os.Mkdir(tmp, privateDirMode); err != nil {
		return fmt.Errorf("create temp generation: %w", err)
	}
	if err := writeSync(filepath.Join(tmp, blobFile), blob); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := writeSync(filepath.Join(tmp, metaFile), metaJSON); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return s.syncDir(tmp)
}

// swapCurrent points CURRENT at gen. swapped reports whether the rename
// happened, even when the following directory sync failed.
func (s *FileStore) swapCurrent(gen string) (swapped bool, err error) {
	tmp := filepath.Join(s.dir, currentFile+tmpSuffix)
	if err := writeSync(tmp, []byte(gen+"\n")); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("write %s: %w", currentFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, currentFile)); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("swap %s: %w", currentFile, err)
	}
	if err := s.syncDir(s.dir); err != nil {
		return true, fmt.Errorf("sync %s: %w", s.dir, err)
	}
	return true, nil
}

// purge removes every generation (and temp leftover) except keep.
func (s *FileStore) purge(keep string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs error
	for _, e := range entries {
		name := e.Name()
		if name == keep || name == currentFile {
			continue
		}
		if strings.HasPrefix(name, genPrefix) || name == currentFile+tmpSuffix {
			errs = multierr.Append(errs, os.RemoveAll(filepath.Join(s.dir, name)))
		}
	}
	return errs
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, privateFileMode)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	return multierr.Append(err, f.Close())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return multierr.Append(d.Sync(), d.Close())
}

// Package snapshot implements the Snapshot Uploader: on demand, it
// compresses the main database file and uploads it, plus the host's
// change counter, under the current generation. It reuses the
// temp-file-plus-rename durability pattern of a JSON snapshot manager,
// generalized from "one file on disk" to "one staging artifact that is
// then handed to the object store."
package snapshot

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

const changeCounterOffset = 24

// Uploader compresses and uploads the live database file under the
// current generation, at most once per generation, with a watch-style
// latch per generation so concurrent callers share one result.
type Uploader struct {
	st          store.Store
	bucket      string
	dbID        string
	compression types.Compression
	stagingDir  string

	mu      sync.Mutex
	latches map[types.GenerationID]*latch

	log *slog.Logger
}

// New constructs an Uploader.
func New(st store.Store, bucket, dbID string, compression types.Compression, stagingDir string) *Uploader {
	return &Uploader{
		st:          st,
		bucket:      bucket,
		dbID:        dbID,
		compression: compression,
		stagingDir:  stagingDir,
		latches:     make(map[types.GenerationID]*latch),
		log:         slog.Default(),
	}
}

// Result is what a snapshot resolves to: either a no-op (database file
// missing or empty) or the outcome of the background upload.
type Result struct {
	Generation types.GenerationID
	NoOp       bool
}

// Snapshot requests a snapshot of dbPath under gen. It returns
// immediately; the upload, if any, happens on a detached goroutine. A
// second call for the same generation observes the first call's latch
// instead of starting a second upload.
func (u *Uploader) Snapshot(gen types.GenerationID, dbPath string) {
	u.mu.Lock()
	l, exists := u.latches[gen]
	if !exists {
		l = newLatch()
		u.latches[gen] = l
	}
	u.mu.Unlock()

	if exists {
		return
	}

	info, err := os.Stat(dbPath)
	if err != nil || info.Size() == 0 {
		l.resolve(Result{Generation: gen, NoOp: true}, nil)
		return
	}

	go u.uploadOne(l, gen, dbPath)
}

// WaitUntilSnapshotted blocks until the snapshot requested for gen
// completes, or ctx is cancelled. It returns an error if no snapshot was
// ever requested for gen.
func (u *Uploader) WaitUntilSnapshotted(ctx context.Context, gen types.GenerationID) (Result, error) {
	u.mu.Lock()
	l, ok := u.latches[gen]
	u.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("snapshot: no snapshot requested for generation %s", gen)
	}
	return l.wait(ctx)
}

func (u *Uploader) uploadOne(l *latch, gen types.GenerationID, dbPath string) {
	result, err := u.doUpload(gen, dbPath)
	l.resolve(result, err)
	if err != nil {
		u.log.Warn("snapshot: upload failed", "generation", gen, "error", err)
	}
}

func (u *Uploader) doUpload(gen types.GenerationID, dbPath string) (Result, error) {
	counter, err := readChangeCounter(dbPath)
	if err != nil {
		return Result{}, err
	}

	stagingPath, err := u.compressToStaging(dbPath, gen)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(stagingPath)

	f, err := os.Open(stagingPath)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: open staging artifact: %w", err)
	}
	dbKey := types.GenerationPrefix(u.dbID, gen) + "db." + u.compression.SnapshotExt()
	uploadErr := u.st.Put(context.Background(), u.bucket, dbKey, f)
	f.Close()
	if uploadErr != nil {
		return Result{}, fmt.Errorf("snapshot: upload db file: %w", uploadErr)
	}

	counterKey := types.GenerationPrefix(u.dbID, gen) + ".changecounter"
	if err := u.st.Put(context.Background(), u.bucket, counterKey, newCounterReader(counter)); err != nil {
		return Result{}, fmt.Errorf("snapshot: upload change counter: %w", err)
	}

	return Result{Generation: gen, NoOp: false}, nil
}

// compressToStaging writes a compressed copy of dbPath into the staging
// directory via the usual temp-file-then-rename sequence, so a crash
// mid-compress never leaves a partial artifact visible to a later
// Snapshot call reusing the same path.
func (u *Uploader) compressToStaging(dbPath string, gen types.GenerationID) (string, error) {
	if err := os.MkdirAll(u.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: create staging dir: %w", err)
	}

	finalPath := filepath.Join(u.stagingDir, fmt.Sprintf("db-%s.%s", gen, u.compression.Ext()))
	tmpPath := finalPath + ".tmp"

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("snapshot: open database file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("snapshot: create staging artifact: %w", err)
	}

	w, closeChain, err := compressingWriter(dst, u.compression)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", err
	}

	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: compress database file: %w", err)
	}
	if err := closeChain(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: close compression chain: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: sync staging artifact: %w", err)
	}
	dst.Close()

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: rename staging artifact: %w", err)
	}
	return finalPath, nil
}

func compressingWriter(w io.Writer, c types.Compression) (io.Writer, func() error, error) {
	switch c {
	case types.CompressionGzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case types.CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: init zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}

// Package restore implements the Restore Planner and WAL Replayer: given
// an optional target generation or timestamp, it
// decides whether the live database is already authoritative, whether an
// existing generation can simply be reused, or whether a full replay
// from snapshot plus WAL batches is required.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/walreplica/internal/gc"
	"github.com/ChuLiYu/walreplica/internal/generation"
	"github.com/ChuLiYu/walreplica/internal/orphan"
	"github.com/ChuLiYu/walreplica/internal/snapshot"
	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/internal/uploader"
	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

// MaxRestoreStackDepth caps the parent-link walk in Restore, guarding
// against a corrupted or cyclic `.dep` chain.
const MaxRestoreStackDepth = 100

// ErrTombstoned is returned when the requested generation is at or
// before the database's deletion watermark.
var ErrTombstoned = errors.New("restore: target generation is tombstoned")

// ErrRestoreDepthExceeded is returned when the parent-link walk never
// reaches a snapshot within MaxRestoreStackDepth hops.
var ErrRestoreDepthExceeded = errors.New("restore: parent chain exceeds max restore depth")

// Planner owns the end-to-end restore decision and execution.
type Planner struct {
	st      store.Store
	bucket  string
	dbID    string
	gens    *generation.Manager
	opener  walio.Opener
	pool    *uploader.Pool
	verifier walio.Verifier

	stagingDir               string
	liveDBPath               string
	verifyCRC                bool
	transactionPageSwapAfter int
	transactionCacheFPath    string

	log *slog.Logger
}

// Config bundles Planner construction parameters; most mirror
// recognized options from internal/config.Options.
type Config struct {
	Store      store.Store
	Bucket     string
	DBID       string
	Generations *generation.Manager
	Opener     walio.Opener
	Pool       *uploader.Pool
	Verifier   walio.Verifier

	StagingDir               string
	LiveDBPath               string
	VerifyCRC                bool
	TransactionPageSwapAfter int
	TransactionCacheFPath    string
}

// New constructs a Planner from cfg, filling in defaults the same way
// the rest of the pipeline does for its own constructors.
func New(cfg Config) *Planner {
	threshold := cfg.TransactionPageSwapAfter
	if threshold <= 0 {
		threshold = 1_000
	}
	return &Planner{
		st:                       cfg.Store,
		bucket:                   cfg.Bucket,
		dbID:                     cfg.DBID,
		gens:                     cfg.Generations,
		opener:                   cfg.Opener,
		pool:                     cfg.Pool,
		verifier:                 cfg.Verifier,
		stagingDir:               cfg.StagingDir,
		liveDBPath:               cfg.LiveDBPath,
		verifyCRC:                cfg.VerifyCRC,
		transactionPageSwapAfter: threshold,
		transactionCacheFPath:    cfg.TransactionCacheFPath,
		log:                      slog.Default(),
	}
}

// localStateReader reads the host's local change counter and the number
// of frames present in its local WAL file, used to compare against the
// remote for the "equal change counter" branch. A missing WAL file
// reports 0 frames.
type localStateReader interface {
	LocalChangeCounter() (uint32, error)
	LocalWALFrameCount() (types.FrameNo, error)
}

// Restore runs the full decision procedure. gen is an explicit target
// generation (nil to resolve via before/newest); before narrows the
// search to the newest generation not newer than that instant.
func (p *Planner) Restore(ctx context.Context, gen *types.GenerationID, before *time.Time, local localStateReader) (types.RestoreResult, error) {
	target, found, err := p.resolveTarget(ctx, gen, before)
	if err != nil {
		return types.RestoreResult{}, err
	}
	if !found {
		// No generation exists anywhere: nothing to replay, and the
		// live database (if any) is by definition authoritative.
		return types.RestoreResult{Action: types.ActionSnapshotMainDbFile, Recovered: false}, nil
	}

	if err := p.checkTombstone(ctx, target); err != nil {
		return types.RestoreResult{}, err
	}

	// Adopt target as the Generation Manager's current generation now
	// that it's confirmed valid, so a subsequent NewGeneration links its
	// `.dep` object back to it instead of seeing no previous generation.
	p.gens.SetGeneration(ctx, target)

	if _, err := orphan.Recover(ctx, p.pool, p.bucket, p.stagingDir, p.parseOrphanKey(target)); err != nil {
		p.log.Warn("restore: orphan recovery failed, proceeding anyway", "error", err)
	}

	lastConsistent, err := p.lastConsistentFrame(ctx, target)
	if err != nil {
		return types.RestoreResult{}, err
	}

	localCounter, err := local.LocalChangeCounter()
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: read local change counter: %w", err)
	}
	if localCounter != 0 {
		return types.RestoreResult{Action: types.ActionSnapshotMainDbFile, Generation: target, Recovered: false}, nil
	}

	remoteCounter, err := p.gens.GetRemoteChangeCounter(ctx, target)
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: read remote change counter: %w", err)
	}

	localFrames, err := local.LocalWALFrameCount()
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: read local wal frame count: %w", err)
	}

	if remoteCounter == localCounter {
		switch {
		case localFrames == lastConsistent:
			return types.RestoreResult{Action: types.ActionReuseGeneration, Generation: target, Recovered: false}, nil
		case localFrames > lastConsistent:
			return types.RestoreResult{Action: types.ActionSnapshotMainDbFile, Generation: target, Recovered: false}, nil
		}
	} else if localFrames > 0 && localCounter > remoteCounter {
		return types.RestoreResult{Action: types.ActionSnapshotMainDbFile, Generation: target, Recovered: false}, nil
	}

	return p.fullRestore(ctx, target, lastConsistent)
}

func (p *Planner) resolveTarget(ctx context.Context, gen *types.GenerationID, before *time.Time) (types.GenerationID, bool, error) {
	if gen != nil {
		return *gen, true, nil
	}
	target, found, err := p.gens.LatestGenerationBefore(ctx, before)
	if err != nil {
		return types.GenerationID{}, false, err
	}
	return target, found, nil
}

func (p *Planner) checkTombstone(ctx context.Context, target types.GenerationID) error {
	tombstone, ok, err := gc.GetTombstone(ctx, p.st, p.bucket, p.dbID)
	if err != nil {
		return fmt.Errorf("restore: read tombstone: %w", err)
	}
	if !ok {
		return nil
	}
	targetTS, err := generation.Timestamp(target)
	if err != nil {
		return fmt.Errorf("restore: decode generation timestamp: %w", err)
	}
	if !targetTS.After(tombstone) {
		return fmt.Errorf("%w: generation %s at %s, tombstone at %s", ErrTombstoned, target, targetTS, tombstone)
	}
	return nil
}

func (p *Planner) parseOrphanKey(target types.GenerationID) func(name string) (string, bool) {
	prefix := types.GenerationPrefix(p.dbID, target)
	return func(name string) (string, bool) {
		return prefix + name, true
	}
}

// lastConsistentFrame returns the largest last-frame among batch keys
// under target.
func (p *Planner) lastConsistentFrame(ctx context.Context, target types.GenerationID) (types.FrameNo, error) {
	keys, err := p.listBatchKeysAscending(ctx, types.GenerationPrefix(p.dbID, target))
	if err != nil {
		return 0, err
	}
	var last types.FrameNo
	for _, k := range keys {
		if k.LastFrame > last {
			last = k.LastFrame
		}
	}
	return last, nil
}

// fullRestore walks the parent chain back to a snapshot (or the root
// generation), then replays forward oldest-to-newest into a temp file,
// atomically publishing it as the live database on success.
func (p *Planner) fullRestore(ctx context.Context, target types.GenerationID, lastConsistent types.FrameNo) (types.RestoreResult, error) {
	stack, foundSnapshot, err := p.walkToSnapshot(ctx, target)
	if err != nil {
		return types.RestoreResult{}, err
	}

	tmpPath := p.liveDBPath + ".restore.tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: create temp file: %w", err)
	}
	// On a checksum mismatch the temp file is left behind for operator
	// inspection; it will be removed on the next restore attempt's
	// os.Create call above, which truncates it. Every other failure path
	// cleans it up immediately.
	cleanTmp := true
	keepTmp := false
	defer func() {
		if cleanTmp {
			dst.Close()
			if !keepTmp {
				os.Remove(tmpPath)
			}
		}
	}()

	if foundSnapshot.hasSnapshot {
		if err := p.hydrateFromSnapshot(ctx, dst, foundSnapshot); err != nil {
			return types.RestoreResult{}, err
		}
	}

	var anyApplied bool
	for i := len(stack) - 1; i >= 0; i-- {
		gen := stack[i]
		meta, err := p.gens.GetMetadata(ctx, gen)
		if errors.Is(err, store.ErrNoSuchKey) {
			continue
		}
		if err != nil {
			return types.RestoreResult{}, fmt.Errorf("restore: read metadata for %s: %w", gen, err)
		}

		var frameCap types.FrameNo
		if gen == target {
			frameCap = lastConsistent
		}
		// Each generation restarts frame numbering at 1, so replay for
		// it always begins from a fresh high-water mark of 0.
		_, anyApplied, err = p.replayGenerationChained(ctx, dst, gen, meta, 0, frameCap, anyApplied)
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				keepTmp = true
			}
			return types.RestoreResult{}, err
		}
	}

	if err := dst.Sync(); err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: sync temp file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return types.RestoreResult{}, fmt.Errorf("restore: close temp file: %w", err)
	}
	cleanTmp = false

	if err := os.Rename(tmpPath, p.liveDBPath); err != nil {
		os.Remove(tmpPath)
		return types.RestoreResult{}, fmt.Errorf("restore: publish restored file: %w", err)
	}
	p.removeSiblingWALFiles()

	action := types.ActionReuseGeneration
	if anyApplied {
		action = types.ActionSnapshotMainDbFile
	}
	return types.RestoreResult{Action: action, Generation: target, Recovered: anyApplied}, nil
}

func (p *Planner) replayGenerationChained(ctx context.Context, dst *os.File, gen types.GenerationID, meta types.Metadata, lastApplied types.FrameNo, frameCap types.FrameNo, anyAppliedSoFar bool) (types.FrameNo, bool, error) {
	newLast, applied, err := p.replayGeneration(ctx, dst, gen, meta.PageSize, walio.ChecksumSeed(meta.Checksum), lastApplied, frameCap, 0)
	if err != nil {
		return lastApplied, anyAppliedSoFar, err
	}
	return newLast, anyAppliedSoFar || applied, nil
}

type snapshotPoint struct {
	generation  types.GenerationID
	compression types.Compression
	hasSnapshot bool
}

// walkToSnapshot pushes generation IDs from target back through .dep
// links until one has a db.<ext> snapshot object, capped at
// MaxRestoreStackDepth. The returned stack is newest-first (target at
// index 0); if no snapshot is ever found the walk still succeeds,
// assuming the oldest generation is the root and replayable from WAL
// alone.
func (p *Planner) walkToSnapshot(ctx context.Context, target types.GenerationID) ([]types.GenerationID, snapshotPoint, error) {
	stack := []types.GenerationID{target}
	current := target

	for depth := 0; ; depth++ {
		if depth >= MaxRestoreStackDepth {
			return nil, snapshotPoint{}, ErrRestoreDepthExceeded
		}
		sp, found, err := p.findSnapshot(ctx, current)
		if err != nil {
			return nil, snapshotPoint{}, err
		}
		if found {
			return stack, sp, nil
		}

		parent, ok, err := p.gens.GetDependency(ctx, current)
		if err != nil {
			return nil, snapshotPoint{}, fmt.Errorf("restore: read dependency for %s: %w", current, err)
		}
		if !ok {
			return stack, snapshotPoint{}, nil
		}
		stack = append(stack, parent)
		current = parent
	}
}

func (p *Planner) findSnapshot(ctx context.Context, gen types.GenerationID) (snapshotPoint, bool, error) {
	prefix := types.GenerationPrefix(p.dbID, gen)
	for _, ext := range []struct {
		suffix string
		comp   types.Compression
	}{
		{"db.db", types.CompressionNone},
		{"db.gz", types.CompressionGzip},
		{"db.zstd", types.CompressionZstd},
	} {
		if err := p.headObject(ctx, prefix+ext.suffix); err == nil {
			return snapshotPoint{generation: gen, compression: ext.comp, hasSnapshot: true}, true, nil
		} else if !errors.Is(err, store.ErrNoSuchKey) {
			return snapshotPoint{}, false, err
		}
	}
	return snapshotPoint{}, false, nil
}

func (p *Planner) headObject(ctx context.Context, key string) error {
	r, err := p.st.Get(ctx, p.bucket, key)
	if err != nil {
		return err
	}
	return r.Close()
}

func (p *Planner) hydrateFromSnapshot(ctx context.Context, dst *os.File, sp snapshotPoint) error {
	key := types.GenerationPrefix(p.dbID, sp.generation) + "db." + sp.compression.SnapshotExt()
	r, err := p.st.Get(ctx, p.bucket, key)
	if err != nil {
		return fmt.Errorf("restore: fetch snapshot %s: %w", key, err)
	}
	defer r.Close()

	body, err := decompressingReader(r, sp.compression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, body); err != nil {
		return fmt.Errorf("restore: write snapshot body: %w", err)
	}
	return nil
}

func (p *Planner) removeSiblingWALFiles() {
	for _, suffix := range []string{"-wal", "-shm"} {
		path := p.liveDBPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("restore: failed to remove sibling WAL/SHM file", "path", path, "error", err)
		}
	}
}


// Package replicator wires the Frame Sequencer, Batch Copier, Object
// Uploader, Generation Manager, Snapshot Uploader, Restore Planner and
// Tombstone/GC components into the single facade a host process drives
// It owns no WAL or database format knowledge itself.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/walreplica/internal/batch"
	"github.com/ChuLiYu/walreplica/internal/config"
	"github.com/ChuLiYu/walreplica/internal/gc"
	"github.com/ChuLiYu/walreplica/internal/generation"
	"github.com/ChuLiYu/walreplica/internal/metrics"
	"github.com/ChuLiYu/walreplica/internal/restore"
	"github.com/ChuLiYu/walreplica/internal/sequencer"
	"github.com/ChuLiYu/walreplica/internal/snapshot"
	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/internal/uploader"
	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

// Replicator is the public entry point a host process embeds. One
// instance owns one (bucket, db_id) pair.
type Replicator struct {
	opts config.Options

	st     store.Store
	gens   *generation.Manager
	pool   *uploader.Pool
	copier *batch.Copier
	seq    *sequencer.Sequencer
	snap   *snapshot.Uploader
	plan   *restore.Planner

	walPath    string
	liveDBPath string
	stagingDir string

	mu       sync.Mutex
	pageSize uint32
	pageSet  bool

	metrics *metrics.Collector
	log     *slog.Logger
}

// Dependencies bundles the collaborators a host must supply: the WAL
// file location, the live database path, and a staging directory the
// core may freely create files under. Metrics is optional; a nil
// Collector disables metrics recording entirely.
type Dependencies struct {
	Store      store.Store
	Opener     walio.Opener
	Verifier   walio.Verifier
	WALPath    string
	LiveDBPath string
	StagingDir string
	Metrics    *metrics.Collector
}

// uploadObserver adapts a metrics.Collector to uploader.Observer without
// making the metrics package aware of the uploader package's types.
type uploadObserver struct{ c *metrics.Collector }

func (o uploadObserver) OnUploadComplete(item uploader.Item, err error) {
	if err != nil {
		o.c.RecordUploadFailure()
		return
	}
	o.c.RecordUploadSuccess()
}

// New constructs a Replicator. It creates the bucket when
// opts.CreateBucketIfNotExists is set and the bucket does not already
// exist.
func New(ctx context.Context, opts config.Options, deps Dependencies) (*Replicator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	compression, err := opts.Compression()
	if err != nil {
		return nil, err
	}

	if opts.CreateBucketIfNotExists {
		if err := deps.Store.CreateBucket(ctx, opts.BucketName); err != nil {
			return nil, fmt.Errorf("replicator: create bucket: %w", err)
		}
	} else if err := deps.Store.HeadBucket(ctx, opts.BucketName); err != nil {
		return nil, fmt.Errorf("replicator: bucket check: %w", err)
	}

	gens := generation.NewManager(deps.Store, opts.BucketName, opts.DBID)

	var observer uploader.Observer
	if deps.Metrics != nil {
		observer = uploadObserver{c: deps.Metrics}
	}
	pool := uploader.NewPool(deps.Store, int64(opts.S3UploadMaxParallelism), uploader.DefaultQueueCapacity, observer)
	if err := pool.Start(); err != nil {
		return nil, fmt.Errorf("replicator: start upload pool: %w", err)
	}

	r := &Replicator{
		opts:       opts,
		st:         deps.Store,
		gens:       gens,
		pool:       pool,
		walPath:    deps.WALPath,
		liveDBPath: deps.LiveDBPath,
		stagingDir: deps.StagingDir,
		metrics:    deps.Metrics,
		log:        slog.Default(),
	}

	publisher := uploader.BatchPublisher{Bucket: opts.BucketName, Pool: pool}
	r.copier = batch.New(deps.Opener, deps.WALPath, deps.StagingDir, opts.DBID, compression, publisher, gens.Current)
	r.seq = sequencer.New(r.instrumentedFlush,
		sequencer.WithBatchMax(uint32(opts.MaxFramesPerBatch)),
		sequencer.WithFlushInterval(opts.MaxBatchInterval))
	r.seq.Start()

	r.snap = snapshot.New(deps.Store, opts.BucketName, opts.DBID, compression, deps.StagingDir)

	r.plan = restore.New(restore.Config{
		Store:                    deps.Store,
		Bucket:                   opts.BucketName,
		DBID:                     opts.DBID,
		Generations:              gens,
		Opener:                   deps.Opener,
		Pool:                     pool,
		Verifier:                 deps.Verifier,
		StagingDir:               deps.StagingDir,
		LiveDBPath:               deps.LiveDBPath,
		VerifyCRC:                opts.VerifyCRC,
		TransactionPageSwapAfter: opts.RestoreTransactionPageSwapAfter,
		TransactionCacheFPath:    opts.RestoreTransactionCacheFPath,
	})

	return r, nil
}

// Close stops the flush loop and drains the upload pool. No further
// calls should be made on the Replicator afterward.
func (r *Replicator) Close() {
	r.seq.Stop()
	r.pool.Stop()
}

// SetPageSize sets the page size once; re-setting it to a different
// value panics: the one intentional panic point in
// the public surface, matching a contract violation the host cannot
// meaningfully recover from.
func (r *Replicator) SetPageSize(p uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageSet && r.pageSize != p {
		panic(fmt.Sprintf("replicator: page size already set to %d, cannot change to %d", r.pageSize, p))
	}
	r.pageSize = p
	r.pageSet = true
}

// NewGeneration mints a fresh generation, resets frame counters, and
// records the page size plus WAL checksum seeds for it.
func (r *Replicator) NewGeneration(ctx context.Context, seeds [2]uint32) (types.GenerationID, error) {
	r.mu.Lock()
	pageSize := r.pageSize
	r.mu.Unlock()
	if pageSize == 0 {
		return types.GenerationID{}, errors.New("replicator: page size not set")
	}

	if _, err := r.gens.NewGeneration(ctx); err != nil {
		return types.GenerationID{}, err
	}
	r.seq.Reset()

	if err := r.gens.StoreMetadata(ctx, pageSize, seeds); err != nil {
		return types.GenerationID{}, err
	}
	return r.gens.Current(), nil
}

// instrumentedFlush wraps the Batch Copier's Flush with metrics
// recording, when a Collector was supplied.
func (r *Replicator) instrumentedFlush(ctx context.Context, first, last types.FrameNo) error {
	start := time.Now()
	err := r.copier.Flush(ctx, first, last)
	if r.metrics == nil {
		return err
	}
	if err != nil {
		r.metrics.RecordFlushFailure()
		return err
	}
	r.metrics.RecordFlushSuccess(int(last-first)+1, time.Since(start).Seconds())
	return nil
}

// SubmitFrames advances the frame sequencer.
func (r *Replicator) SubmitFrames(n uint32) { r.seq.SubmitFrames(n) }

// RollbackToFrame undoes an aborted host transaction's effect on the
// frame sequencer.
func (r *Replicator) RollbackToFrame(f types.FrameNo) { r.seq.RollbackToFrame(f) }

// RegisterLastValidFrame records the host's WAL high-water mark.
func (r *Replicator) RegisterLastValidFrame(f types.FrameNo) { r.seq.RegisterLastValidFrame(f) }

// RequestFlush forces an immediate flush regardless of the size trigger.
func (r *Replicator) RequestFlush() { r.seq.RequestFlush() }

// WaitUntilCommitted blocks until frame f has been durably staged.
func (r *Replicator) WaitUntilCommitted(f types.FrameNo) error { return r.seq.WaitUntilCommitted(f) }

// SnapshotMainDbFile requests a snapshot of the live database file under
// the current generation. It returns immediately.
func (r *Replicator) SnapshotMainDbFile() {
	r.snap.Snapshot(r.gens.Current(), r.liveDBPath)
}

// WaitUntilSnapshotted blocks until the snapshot requested for the
// current generation completes.
func (r *Replicator) WaitUntilSnapshotted(ctx context.Context) (snapshot.Result, error) {
	result, err := r.snap.WaitUntilSnapshotted(ctx, r.gens.Current())
	if r.metrics != nil {
		if err != nil {
			r.metrics.RecordSnapshotFailed()
		} else {
			r.metrics.RecordSnapshotCompleted()
		}
	}
	return result, err
}

// Restore runs the Restore Planner against an optional explicit
// generation or point in time. The frames-replayed count it passes to
// the metrics collector is always 0.
func (r *Replicator) Restore(ctx context.Context, gen *types.GenerationID, before *time.Time) (types.RestoreResult, error) {
	start := time.Now()
	result, err := r.plan.Restore(ctx, gen, before, localFileState{walPath: r.walPath, liveDBPath: r.liveDBPath})
	if r.metrics != nil {
		r.metrics.RecordRestore(time.Since(start).Seconds(), 0, err)
	}
	return result, err
}

// DeleteAll writes a tombstone at olderThan (nil meaning "everything"),
// returning a handle whose Commit performs the actual hard deletion.
func (r *Replicator) DeleteAll(ctx context.Context, olderThan *time.Time) (*gc.Handle, error) {
	return gc.DeleteAll(ctx, r.st, r.opts.BucketName, r.opts.DBID, olderThan)
}

// CommitGC hard-deletes every generation handle's tombstone covers,
// recording the number of generations removed.
func (r *Replicator) CommitGC(ctx context.Context, handle *gc.Handle) (int, error) {
	deleted, err := handle.Commit(ctx)
	if r.metrics != nil && err == nil {
		r.metrics.RecordGenerationsDeleted(deleted)
	}
	return deleted, err
}

// localFileState satisfies restore.localStateReader by reading the live
// database's change counter and the local WAL's frame count directly
// off disk, treating "absent file ->
// zeros".
type localFileState struct {
	walPath    string
	liveDBPath string
}

func (l localFileState) LocalChangeCounter() (uint32, error) {
	return snapshot.ReadChangeCounterOrZero(l.liveDBPath)
}

func (l localFileState) LocalWALFrameCount() (types.FrameNo, error) {
	return walio.CountFrames(l.walPath)
}

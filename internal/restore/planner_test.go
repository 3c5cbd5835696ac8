package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/walreplica/internal/gc"
	"github.com/ChuLiYu/walreplica/internal/generation"
	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/internal/uploader"
	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

const bucket = "bucket"
const dbID = "mydb"

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), bucket))
	return st
}

func putBatch(t *testing.T, st store.Store, gen types.GenerationID, frames []walio.Frame, first, last types.FrameNo) {
	t.Helper()
	var buf bytes.Buffer
	enc := walio.NewEncoder(&buf)
	for _, f := range frames {
		require.NoError(t, enc.WriteFrame(f))
	}
	key := types.BatchKey{DBID: dbID, Generation: gen, FirstFrame: first, LastFrame: last, UnixSeconds: 1_700_000_000, Compression: types.CompressionNone}
	require.NoError(t, st.Put(context.Background(), bucket, key.FormatKey(), bytes.NewReader(buf.Bytes())))
}

type fakeLocalState struct {
	changeCounter uint32
	walFrameCount types.FrameNo
}

func (f fakeLocalState) LocalChangeCounter() (uint32, error)          { return f.changeCounter, nil }
func (f fakeLocalState) LocalWALFrameCount() (types.FrameNo, error) { return f.walFrameCount, nil }

func newPlanner(t *testing.T, st store.Store, gens *generation.Manager, liveDBPath string) *Planner {
	t.Helper()
	pool := uploader.NewPool(st, 2, 4, nil)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	return New(Config{
		Store:                    st,
		Bucket:                   bucket,
		DBID:                     dbID,
		Generations:              gens,
		Opener:                   walio.FileOpener{},
		Pool:                     pool,
		Verifier:                 walio.CRC32Verifier{},
		StagingDir:               t.TempDir(),
		LiveDBPath:               liveDBPath,
		VerifyCRC:                false,
		TransactionPageSwapAfter: 1_000,
	})
}

func TestRestoreFreshGenerationReplaysFromWALOnly(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)

	_, err := gens.NewGeneration(ctx)
	require.NoError(t, err)
	gen := gens.Current()

	require.NoError(t, gens.StoreMetadata(ctx, 4096, [2]uint32{0, 0}))

	pageA := bytes.Repeat([]byte{0xAB}, 4096)
	pageB := bytes.Repeat([]byte{0xCD}, 4096)
	putBatch(t, st, gen, []walio.Frame{
		{Number: 1, PageNo: 1, Data: pageA, Commit: false},
		{Number: 2, PageNo: 2, Data: pageB, Commit: true},
	}, 1, 2)

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	p := newPlanner(t, st, gens, liveDBPath)

	result, err := p.Restore(ctx, nil, nil, fakeLocalState{changeCounter: 0, walFrameCount: 0})
	require.NoError(t, err)

	assert.True(t, result.Recovered)
	assert.Equal(t, types.ActionSnapshotMainDbFile, result.Action)
	assert.Equal(t, gen, result.Generation)

	restored, err := os.ReadFile(liveDBPath)
	require.NoError(t, err)
	require.Len(t, restored, 8192)
	assert.Equal(t, pageA, restored[0:4096])
	assert.Equal(t, pageB, restored[4096:8192])
}

func TestRestoreWithNonzeroLocalCounterIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)
	_, err := gens.NewGeneration(ctx)
	require.NoError(t, err)
	gen := gens.Current()
	require.NoError(t, gens.StoreMetadata(ctx, 4096, [2]uint32{0, 0}))

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	p := newPlanner(t, st, gens, liveDBPath)

	result, err := p.Restore(ctx, &gen, nil, fakeLocalState{changeCounter: 7, walFrameCount: 0})
	require.NoError(t, err)
	assert.Equal(t, types.ActionSnapshotMainDbFile, result.Action)
	assert.False(t, result.Recovered)
}

func TestRestoreFailsWhenTombstoned(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)
	_, err := gens.NewGeneration(ctx)
	require.NoError(t, err)
	gen := gens.Current()

	_, err = gc.DeleteAll(ctx, st, bucket, dbID, nil)
	require.NoError(t, err)

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	p := newPlanner(t, st, gens, liveDBPath)

	_, err = p.Restore(ctx, &gen, nil, fakeLocalState{})
	assert.ErrorIs(t, err, ErrTombstoned)
}

func TestRestoreWithNoGenerationReturnsSnapshotMainDbFile(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	p := newPlanner(t, st, gens, liveDBPath)

	result, err := p.Restore(ctx, nil, nil, fakeLocalState{})
	require.NoError(t, err)
	assert.Equal(t, types.ActionSnapshotMainDbFile, result.Action)
	assert.False(t, result.Recovered)
}

func TestRestoreAdoptsTargetAsCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)

	_, err := gens.NewGeneration(ctx)
	require.NoError(t, err)
	genA := gens.Current()
	require.NoError(t, gens.StoreMetadata(ctx, 4096, [2]uint32{0, 0}))
	putBatch(t, st, genA, []walio.Frame{
		{Number: 1, PageNo: 1, Data: bytes.Repeat([]byte{0xEE}, 4096), Commit: true},
	}, 1, 1)

	// The manager moves on to a later generation before the restore runs,
	// so adopting genA as current on restore is the only thing that keeps
	// a later `.dep` chain pointed at the generation actually on disk.
	_, err = gens.NewGeneration(ctx)
	require.NoError(t, err)
	require.NotEqual(t, genA, gens.Current())

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	p := newPlanner(t, st, gens, liveDBPath)

	_, err = p.Restore(ctx, &genA, nil, fakeLocalState{changeCounter: 0, walFrameCount: 0})
	require.NoError(t, err)
	assert.Equal(t, genA, gens.Current())

	_, err = gens.NewGeneration(ctx)
	require.NoError(t, err)
	genB := gens.Current()

	require.Eventually(t, func() bool {
		parent, ok, err := gens.GetDependency(ctx, genB)
		return err == nil && ok && parent == genA
	}, time.Second, 10*time.Millisecond)
}

func TestRestoreLeavesTempFileOnChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gens := generation.NewManager(st, bucket, dbID)

	_, err := gens.NewGeneration(ctx)
	require.NoError(t, err)
	gen := gens.Current()
	require.NoError(t, gens.StoreMetadata(ctx, 4096, [2]uint32{0, 0}))
	putBatch(t, st, gen, []walio.Frame{
		{Number: 1, PageNo: 1, Data: bytes.Repeat([]byte{0xFF}, 4096), Commit: true},
	}, 1, 1)

	liveDBPath := filepath.Join(t.TempDir(), "live.db")
	pool := uploader.NewPool(st, 2, 4, nil)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	p := New(Config{
		Store:                    st,
		Bucket:                   bucket,
		DBID:                     dbID,
		Generations:              gens,
		Opener:                   walio.FileOpener{},
		Pool:                     pool,
		Verifier:                 walio.FailingVerifier{},
		StagingDir:               t.TempDir(),
		LiveDBPath:               liveDBPath,
		VerifyCRC:                true,
		TransactionPageSwapAfter: 1_000,
	})

	_, err = p.Restore(ctx, &gen, nil, fakeLocalState{changeCounter: 0, walFrameCount: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, statErr := os.Stat(liveDBPath + ".restore.tmp")
	assert.NoError(t, statErr, "temp restore file should survive a checksum mismatch for inspection")
}

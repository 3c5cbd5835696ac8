package snapshot

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGen(t *testing.T) types.GenerationID {
	t.Helper()
	id, err := types.ParseGenerationID("01890a5d-ac96-774b-bcce-b302099a8057")
	require.NoError(t, err)
	return id
}

func writeFakeDB(t *testing.T, path string, changeCounter uint32) {
	t.Helper()
	buf := make([]byte, 100)
	binary.BigEndian.PutUint32(buf[changeCounterOffset:changeCounterOffset+4], changeCounter)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestSnapshotUploadsDbFileAndChangeCounter(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "main.db")
	writeFakeDB(t, dbPath, 42)

	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))

	u := New(st, "bucket", "mydb", types.CompressionNone, filepath.Join(dir, "staging"))
	gen := testGen(t)

	u.Snapshot(gen, dbPath)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := u.WaitUntilSnapshotted(ctx, gen)
	require.NoError(t, err)
	assert.False(t, result.NoOp)

	dbKey := types.GenerationPrefix("mydb", gen) + "db.db"
	r, err := st.Get(context.Background(), "bucket", dbKey)
	require.NoError(t, err)
	r.Close()

	counterKey := types.GenerationPrefix("mydb", gen) + ".changecounter"
	cr, err := st.Get(context.Background(), "bucket", counterKey)
	require.NoError(t, err)
	defer cr.Close()
	buf := make([]byte, 4)
	_, err = cr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(buf))
}

func TestSnapshotOfMissingDbFileIsNoOp(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))

	u := New(st, "bucket", "mydb", types.CompressionNone, filepath.Join(dir, "staging"))
	gen := testGen(t)

	u.Snapshot(gen, filepath.Join(dir, "does-not-exist.db"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := u.WaitUntilSnapshotted(ctx, gen)
	require.NoError(t, err)
	assert.True(t, result.NoOp)
}

func TestSecondSnapshotForSameGenerationSharesTheFirstLatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "main.db")
	writeFakeDB(t, dbPath, 7)

	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))

	u := New(st, "bucket", "mydb", types.CompressionNone, filepath.Join(dir, "staging"))
	gen := testGen(t)

	u.Snapshot(gen, dbPath)
	u.Snapshot(gen, dbPath) // second call observes the first latch

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := u.WaitUntilSnapshotted(ctx, gen)
	require.NoError(t, err)
	assert.Equal(t, gen, result.Generation)
}

func TestWaitUntilSnapshottedWithoutRequestErrors(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	u := New(st, "bucket", "mydb", types.CompressionNone, t.TempDir())

	_, err = u.WaitUntilSnapshotted(context.Background(), testGen(t))
	assert.Error(t, err)
}

package uploader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	items []Item
	errs  []error
}

func (o *recordingObserver) OnUploadComplete(item Item, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, item)
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func testGenKey(t *testing.T, first, last types.FrameNo) types.BatchKey {
	t.Helper()
	gen, err := types.ParseGenerationID("01890a5d-ac96-774b-bcce-b302099a8057")
	require.NoError(t, err)
	return types.BatchKey{DBID: "mydb", Generation: gen, FirstFrame: first, LastFrame: last, UnixSeconds: 1700000000, Compression: types.CompressionNone}
}

func TestPoolUploadsAndDeletesStagingFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))

	obs := &recordingObserver{}
	p := NewPool(st, 2, 4, obs)
	require.NoError(t, p.Start())
	defer p.Stop()

	stagingPath := filepath.Join(dir, "1-5-1700000000.raw")
	require.NoError(t, os.WriteFile(stagingPath, []byte("frame bytes"), 0o644))

	key := testGenKey(t, 1, 5)
	require.NoError(t, p.Submit(context.Background(), Item{Bucket: "bucket", Key: key.FormatKey(), Path: stagingPath}))

	require.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = os.Stat(stagingPath)
	assert.True(t, os.IsNotExist(err))

	r, err := st.Get(context.Background(), "bucket", key.FormatKey())
	require.NoError(t, err)
	defer r.Close()
}

func TestPoolLeavesStagingFileOnUploadFailure(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	// A missing bucket would not make FSStore.Put fail, since Put creates
	// directories as needed, so force a conflict by pre-seeding a
	// different body under the same key.
	key := testGenKey(t, 1, 5)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))
	require.NoError(t, st.Put(context.Background(), "bucket", key.FormatKey(), strings.NewReader("existing body")))

	obs := &recordingObserver{}
	p := NewPool(st, 2, 4, obs)
	require.NoError(t, p.Start())
	defer p.Stop()

	stagingPath := filepath.Join(dir, "1-5-1700000000.raw")
	require.NoError(t, os.WriteFile(stagingPath, []byte("conflicting body"), 0o644))

	require.NoError(t, p.Submit(context.Background(), Item{Bucket: "bucket", Key: key.FormatKey(), Path: stagingPath}))

	require.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, obs.errs[0])

	_, err = os.Stat(stagingPath)
	assert.NoError(t, err, "staging file must survive a failed upload for a later retry")
}

func TestSubmitAfterStopReturnsErrPoolClosed(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(context.Background(), "bucket"))

	p := NewPool(st, 1, 1, nil)
	require.NoError(t, p.Start())
	p.Stop()

	err = p.Submit(context.Background(), Item{Bucket: "bucket", Key: testGenKey(t, 1, 1).FormatKey(), Path: "/nonexistent"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

package orphan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/internal/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverUploadsRecognizedStagingFilesAndSkipsUnrecognized(t *testing.T) {
	ctx := context.Background()
	stagingDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, "1-5-1700000000.raw"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, ".meta"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, "scratch.tmp"), []byte("c"), 0o644))

	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.CreateBucket(ctx, "bucket"))

	pool := uploader.NewPool(st, 2, 8, nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	parseKey := func(name string) (string, bool) {
		return "mydb-01890a5d-ac96-774b-bcce-b302099a8057/" + name, true
	}

	n, err := Recover(ctx, pool, "bucket", stagingDir, parseKey)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(stagingDir, "1-5-1700000000.raw"))
		_, err2 := os.Stat(filepath.Join(stagingDir, ".meta"))
		return os.IsNotExist(err1) && os.IsNotExist(err2)
	}, time.Second, 5*time.Millisecond)

	_, err = os.Stat(filepath.Join(stagingDir, "scratch.tmp"))
	assert.NoError(t, err, "unrecognized files are left alone")
}

func TestRecoverOfMissingDirIsNoOp(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	pool := uploader.NewPool(st, 1, 1, nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	n, err := Recover(ctx, pool, "bucket", filepath.Join(t.TempDir(), "does-not-exist"), func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/walreplica/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeYAML(t, `
bucket_name: my-bucket
db_id: mydb
`)

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-bucket", opts.BucketName)
	assert.Equal(t, "mydb", opts.DBID)
	assert.Equal(t, 10_000, opts.MaxFramesPerBatch)
	assert.Equal(t, 15*time.Second, opts.MaxBatchInterval)
	assert.Equal(t, 32, opts.S3UploadMaxParallelism)
	assert.Equal(t, "none", opts.UseCompression)
	assert.True(t, opts.VerifyCRC)
	assert.True(t, opts.CreateBucketIfNotExists)
	assert.Equal(t, 3, opts.S3MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
bucket_name: my-bucket
db_id: mydb
max_frames_per_batch: 500
max_batch_interval: 5s
use_compression: zstd
verify_crc: false
s3_upload_max_parallelism: 4
`)

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, opts.MaxFramesPerBatch)
	assert.Equal(t, 5*time.Second, opts.MaxBatchInterval)
	assert.Equal(t, "zstd", opts.UseCompression)
	assert.False(t, opts.VerifyCRC)
	assert.Equal(t, 4, opts.S3UploadMaxParallelism)

	comp, err := opts.Compression()
	require.NoError(t, err)
	assert.Equal(t, types.CompressionZstd, comp)
}

func TestLoadRequiresBucketName(t *testing.T) {
	path := writeYAML(t, `db_id: mydb`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresDBID(t *testing.T) {
	path := writeYAML(t, `bucket_name: my-bucket`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidCompression(t *testing.T) {
	path := writeYAML(t, `
bucket_name: my-bucket
db_id: mydb
use_compression: lz4
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveMaxFramesPerBatch(t *testing.T) {
	path := writeYAML(t, `
bucket_name: my-bucket
db_id: mydb
max_frames_per_batch: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

// Package config loads the recognized options the replicator core
// accepts, in the YAML shape the host process is expected to ship.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/walreplica/pkg/types"
	"gopkg.in/yaml.v3"
)

// Options carries exactly the recognized options table: nothing more,
// nothing less. Unknown YAML keys are accepted and ignored by
// yaml.v3's default behavior, matching how the teacher's own Config
// tolerated extra sections.
type Options struct {
	BucketName string `yaml:"bucket_name"`
	DBID       string `yaml:"db_id"`

	MaxFramesPerBatch int           `yaml:"max_frames_per_batch"`
	MaxBatchInterval  time.Duration `yaml:"max_batch_interval"`

	S3UploadMaxParallelism int `yaml:"s3_upload_max_parallelism"`

	UseCompression string `yaml:"use_compression"`

	VerifyCRC bool `yaml:"verify_crc"`

	RestoreTransactionPageSwapAfter int    `yaml:"restore_transaction_page_swap_after"`
	RestoreTransactionCacheFPath    string `yaml:"restore_transaction_cache_fpath"`

	CreateBucketIfNotExists bool `yaml:"create_bucket_if_not_exists"`
	S3MaxRetries            int  `yaml:"s3_max_retries"`
}

// Defaults mirror the zero-configuration behavior of the components
// themselves (internal/sequencer.DefaultBatchMaxFrames and friends),
// so a host that only sets bucket_name and db_id still gets a working
// pipeline.
func Defaults() Options {
	return Options{
		MaxFramesPerBatch:               10_000,
		MaxBatchInterval:                15 * time.Second,
		S3UploadMaxParallelism:          32,
		UseCompression:                  "none",
		VerifyCRC:                       true,
		RestoreTransactionPageSwapAfter: 1_000,
		RestoreTransactionCacheFPath:    "",
		CreateBucketIfNotExists:         true,
		S3MaxRetries:                    3,
	}
}

// Load reads path as YAML and overlays it onto Defaults(). A missing
// bucket_name or db_id is a configuration error: both are required to
// address any object in the store.
func Load(path string) (Options, error) {
	opts := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks the invariants Load relies on: it does not resolve
// filesystem paths or reach the store, since those failures belong to
// their own error kind (store unreachable, local I/O).
func (o Options) Validate() error {
	if o.BucketName == "" {
		return fmt.Errorf("config: bucket_name is required")
	}
	if o.DBID == "" {
		return fmt.Errorf("config: db_id is required")
	}
	if o.MaxFramesPerBatch <= 0 {
		return fmt.Errorf("config: max_frames_per_batch must be positive")
	}
	if o.S3UploadMaxParallelism <= 0 {
		return fmt.Errorf("config: s3_upload_max_parallelism must be positive")
	}
	if _, err := o.Compression(); err != nil {
		return err
	}
	return nil
}

// Compression parses UseCompression into the enum the core operates
// on.
func (o Options) Compression() (types.Compression, error) {
	c, err := types.ParseCompressionOption(o.UseCompression)
	if err != nil {
		return 0, fmt.Errorf("config: use_compression: %w", err)
	}
	return c, nil
}

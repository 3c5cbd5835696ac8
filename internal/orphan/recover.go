// Package orphan implements Orphan Recovery: before a restore proceeds,
// any staging files a previous crashed process left behind get
// re-uploaded and removed, making the crash window transparent to the
// next restore.
package orphan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/walreplica/internal/uploader"
)

var recognizedSuffixes = []string{".db", ".gz", ".zstd", ".raw", ".meta", ".dep", ".changecounter"}

// Recover scans stagingDir for files matching recognizedSuffixes,
// and submits each to pool for re-upload at the same parallelism bound
// as the live path. Recover does not delete anything itself: the pool
// removes each local file after its PUT succeeds. parseKey
// derives the full object key a staging file name belongs under (it
// knows the generation prefix; the staging file name alone does not).
func Recover(ctx context.Context, pool *uploader.Pool, bucket, stagingDir string, parseKey func(name string) (key string, ok bool)) (int, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("orphan: read staging dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !hasRecognizedSuffix(name) {
			slog.Default().Warn("orphan: skipping unrecognized staging file", "name", name)
			continue
		}
		key, ok := parseKey(name)
		if !ok {
			slog.Default().Warn("orphan: could not derive object key for staging file", "name", name)
			continue
		}

		path := filepath.Join(stagingDir, name)
		if err := pool.Submit(ctx, uploader.Item{Bucket: bucket, Key: key, Path: path}); err != nil {
			return count, fmt.Errorf("orphan: submit %s: %w", name, err)
		}
		count++
	}
	return count, nil
}

func hasRecognizedSuffix(name string) bool {
	for _, suffix := range recognizedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

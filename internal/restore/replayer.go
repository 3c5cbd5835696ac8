package restore

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

// nonBatchSuffixes mirrors the recognized non-batch keys under a
// generation prefix; the replayer skips them silently rather than
// warning, since they are expected neighbors of batch objects.
var nonBatchSuffixes = []string{".meta", ".dep", ".changecounter"}

// ErrChecksumMismatch is returned when a frame's running checksum fails
// verification during replay. Unlike other restore failures, the caller
// leaves the in-progress temp file in place for operator inspection
// instead of removing it.
var ErrChecksumMismatch = errors.New("restore: checksum mismatch")

// replayGeneration streams every batch object under gen, oldest frame
// range first, into dst starting from lastApplied+1 (0 meaning "from
// the beginning"). frameCap and timeCap of 0 mean "no cap". It returns
// the new high-water mark and whether any frame was applied.
func (p *Planner) replayGeneration(ctx context.Context, dst *os.File, gen types.GenerationID, pageSize uint32, seed walio.ChecksumSeed, lastApplied types.FrameNo, frameCap types.FrameNo, timeCap int64) (newLastApplied types.FrameNo, applied bool, err error) {
	prefix := types.GenerationPrefix(p.dbID, gen)
	keys, err := p.listBatchKeysAscending(ctx, prefix)
	if err != nil {
		return lastApplied, false, err
	}

	cache := newPageCache(pageSize, p.transactionPageSwapAfter, p.swapFilePath(gen))
	defer cache.reset()

	for _, bk := range keys {
		if bk.FirstFrame != lastApplied+1 {
			p.log.Warn("restore: frame gap detected, stopping replay of generation", "generation", gen, "expected", lastApplied+1, "got", bk.FirstFrame)
			break
		}
		if frameCap != 0 && bk.LastFrame > frameCap {
			p.log.Debug("restore: frame cap reached, stopping replay of generation", "generation", gen, "cap", frameCap)
			break
		}
		if timeCap != 0 && bk.UnixSeconds > timeCap {
			p.log.Debug("restore: time cap reached, stopping replay of generation", "generation", gen, "cap", timeCap)
			break
		}

		nextApplied, nextSeed, batchApplied, err := p.replayBatch(ctx, dst, cache, bk, seed)
		if err != nil {
			return lastApplied, applied, err
		}
		lastApplied = nextApplied
		seed = nextSeed
		applied = applied || batchApplied
	}
	return lastApplied, applied, nil
}

func (p *Planner) replayBatch(ctx context.Context, dst *os.File, cache *pageCache, bk types.BatchKey, seed walio.ChecksumSeed) (types.FrameNo, walio.ChecksumSeed, bool, error) {
	r, err := p.st.Get(ctx, p.bucket, bk.FormatKey())
	if err != nil {
		return bk.FirstFrame - 1, seed, false, fmt.Errorf("restore: fetch batch %s: %w", bk.FormatKey(), err)
	}
	defer r.Close()

	body, err := decompressingReader(r, bk.Compression)
	if err != nil {
		return bk.FirstFrame - 1, seed, false, err
	}

	dec := walio.NewDecoder(body)
	applied := false
	lastApplied := bk.FirstFrame - 1
	for {
		frame, err := dec.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lastApplied, seed, applied, fmt.Errorf("restore: decode batch %s: %w", bk.FormatKey(), err)
		}

		if p.verifyCRC {
			next, ok := p.verifier.Verify(seed, frame)
			if !ok {
				return lastApplied, seed, applied, fmt.Errorf("%w at frame %d in %s", ErrChecksumMismatch, frame.Number, bk.FormatKey())
			}
			seed = next
		}

		if err := cache.Put(frame.PageNo, frame.Data); err != nil {
			return lastApplied, seed, applied, err
		}
		lastApplied = frame.Number

		if frame.Commit {
			if err := cache.Flush(dst); err != nil {
				return lastApplied, seed, applied, err
			}
			applied = true
		}
	}
	return lastApplied, seed, applied, nil
}

// listBatchKeysAscending lists every batch object key under prefix and
// returns them sorted by first frame number; non-batch and unparsable
// keys are skipped.
func (p *Planner) listBatchKeysAscending(ctx context.Context, prefix string) ([]types.BatchKey, error) {
	var keys []types.BatchKey
	marker := ""
	for {
		page, err := p.st.List(ctx, p.bucket, prefix, marker, 0)
		if err != nil {
			return nil, fmt.Errorf("restore: list %s: %w", prefix, err)
		}
		for _, item := range page.Items {
			name := item.Key[len(prefix):]
			if isNonBatchName(name) {
				continue
			}
			first, last, ts, comp, err := types.ParseBatchName(name)
			if err != nil {
				p.log.Warn("restore: skipping unparsable batch key", "key", item.Key, "error", err)
				continue
			}
			keys = append(keys, types.BatchKey{
				DBID: p.dbID, Generation: keyGeneration(prefix), FirstFrame: first, LastFrame: last,
				UnixSeconds: ts, Compression: comp,
			})
		}
		if !page.Truncated {
			break
		}
		marker = page.NextMarker
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1].FirstFrame > keys[j].FirstFrame; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys, nil
}

func isNonBatchName(name string) bool {
	if name == "db.db" || name == "db.gz" || name == "db.zstd" {
		return true
	}
	for _, suffix := range nonBatchSuffixes {
		if name == suffix {
			return true
		}
	}
	return false
}

func keyGeneration(prefix string) types.GenerationID {
	// prefix is "{db}-{gen}/"; the generation segment is the last
	// hyphen-delimited UUID component before the trailing slash.
	trimmed := prefix[:len(prefix)-1]
	idx := len(trimmed) - 36
	if idx < 0 {
		return types.GenerationID{}
	}
	id, err := types.ParseGenerationID(trimmed[idx:])
	if err != nil {
		return types.GenerationID{}
	}
	return id
}

func decompressingReader(r io.Reader, c types.Compression) (io.Reader, error) {
	switch c {
	case types.CompressionGzip:
		return gzip.NewReader(r)
	case types.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("restore: init zstd reader: %w", err)
		}
		return zr, nil
	default:
		return r, nil
	}
}

func (p *Planner) swapFilePath(gen types.GenerationID) string {
	if p.transactionCacheFPath != "" {
		return p.transactionCacheFPath
	}
	return filepath.Join(p.stagingDir, fmt.Sprintf("restore-swap-%s.tmp", gen))
}

// Package batch implements the Batch Copier: given a closed frame
// range, it streams the range out of the host WAL, frames and
// optionally compresses it into a staging file, and hands that file off
// to the uploader.
package batch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

// Handoff is what the Copier publishes to the Object Uploader: an
// object key and the local staging file that holds its body.
type Handoff struct {
	Key  types.BatchKey
	Path string
}

// Publisher is the Object Uploader's intake, a bounded channel-backed
// queue.
type Publisher interface {
	Publish(ctx context.Context, h Handoff) error
}

// Copier owns the local staging directory for one generation and
// produces exactly one staging file per flush.
type Copier struct {
	opener      walio.Opener
	walPath     string
	stagingDir  string
	dbID        string
	compression types.Compression
	publisher   Publisher

	currentGeneration func() types.GenerationID
}

// New constructs a Copier. currentGeneration is called once per flush to
// read the live generation id (held behind an atomic pointer elsewhere).
func New(opener walio.Opener, walPath, stagingDir, dbID string, compression types.Compression, publisher Publisher, currentGeneration func() types.GenerationID) *Copier {
	return &Copier{
		opener:            opener,
		walPath:           walPath,
		stagingDir:        stagingDir,
		dbID:              dbID,
		compression:       compression,
		publisher:         publisher,
		currentGeneration: currentGeneration,
	}
}

// Flush is the sequencer.FlushFunc: copy [first,last] into one staging
// file and publish it. Any I/O error aborts with no partial upload.
func (c *Copier) Flush(ctx context.Context, first, last types.FrameNo) error {
	gen := c.currentGeneration()
	key := types.BatchKey{
		DBID:        c.dbID,
		Generation:  gen,
		FirstFrame:  first,
		LastFrame:   last,
		UnixSeconds: time.Now().Unix(),
		Compression: c.compression,
	}

	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return fmt.Errorf("batch: create staging dir: %w", err)
	}
	stagingPath := filepath.Join(c.stagingDir, key.FormatName())

	if err := c.writeStagingFile(stagingPath, first, last); err != nil {
		os.Remove(stagingPath)
		return err
	}

	if err := c.publisher.Publish(ctx, Handoff{Key: key, Path: stagingPath}); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("batch: publish %s: %w", key.FormatKey(), err)
	}
	return nil
}

func (c *Copier) writeStagingFile(stagingPath string, first, last types.FrameNo) error {
	src, err := c.opener.Open(c.walPath)
	if err != nil {
		return fmt.Errorf("batch: open wal: %w", err)
	}
	defer src.Close()

	if err := src.SeekFrame(first); err != nil {
		return fmt.Errorf("batch: seek to frame %d: %w", first, err)
	}

	f, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("batch: create staging file: %w", err)
	}
	defer f.Close()

	w, closeChain, err := compressingWriter(f, c.compression)
	if err != nil {
		return err
	}

	enc := walio.NewEncoder(w)
	for n := first; n <= last; n++ {
		frame, err := src.ReadFrame()
		if err != nil {
			return fmt.Errorf("batch: read frame %d: %w", n, err)
		}
		if frame.Number != n {
			return fmt.Errorf("batch: expected frame %d, wal yielded %d", n, frame.Number)
		}
		if err := enc.WriteFrame(frame); err != nil {
			return fmt.Errorf("batch: write frame %d: %w", n, err)
		}
	}

	if err := closeChain(); err != nil {
		return fmt.Errorf("batch: close compression chain: %w", err)
	}
	return f.Sync()
}

// compressingWriter wraps w per the static, per-process compression
// choice. closeChain flushes and closes any intermediate encoder but
// leaves w itself open for the caller's fsync.
func compressingWriter(w io.Writer, c types.Compression) (io.Writer, func() error, error) {
	switch c {
	case types.CompressionGzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case types.CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("batch: init zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}

// Package gc implements the Tombstone / GC component: a deletion
// watermark that, once committed, hard-deletes every generation older
// than it.
package gc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ChuLiYu/walreplica/internal/generation"
	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

const tombstoneKeyFormat = "%s.tombstone"

// Handle represents a pending deletion, created by DeleteAll and
// finalized by Commit.
type Handle struct {
	st      store.Store
	bucket  string
	dbID    string
	cutoff  time.Time
	log     *slog.Logger
}

// DeleteAll writes a tombstone at olderThan (or at Unix second
// math.MaxInt64>>1, far beyond any generation's timestamp, if olderThan
// is nil, meaning "everything"). It returns a Handle
// whose Commit performs the actual deletion.
func DeleteAll(ctx context.Context, st store.Store, bucket, dbID string, olderThan *time.Time) (*Handle, error) {
	cutoff := time.Unix(math.MaxInt64>>1, 0).UTC()
	if olderThan != nil {
		cutoff = *olderThan
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cutoff.Unix()))
	key := fmt.Sprintf(tombstoneKeyFormat, dbID)
	if err := st.Put(ctx, bucket, key, newBytesReader(buf)); err != nil {
		return nil, fmt.Errorf("gc: write tombstone: %w", err)
	}

	return &Handle{st: st, bucket: bucket, dbID: dbID, cutoff: cutoff, log: slog.Default()}, nil
}

// GetTombstone reads and decodes the tombstone if present.
func GetTombstone(ctx context.Context, st store.Store, bucket, dbID string) (time.Time, bool, error) {
	key := fmt.Sprintf(tombstoneKeyFormat, dbID)
	r, err := st.Get(ctx, bucket, key)
	if errors.Is(err, store.ErrNoSuchKey) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("gc: read tombstone: %w", err)
	}
	if len(buf) != 8 {
		return time.Time{}, false, fmt.Errorf("gc: malformed tombstone object (%d bytes)", len(buf))
	}
	seconds := int64(binary.BigEndian.Uint64(buf))
	return time.Unix(seconds, 0).UTC(), true, nil
}

// Commit lists every "{db}-*/" generation prefix, deletes every object
// under generations whose decoded timestamp is strictly older than the
// tombstone, then deletes the tombstone itself.
func (h *Handle) Commit(ctx context.Context) (int, error) {
	marker := ""
	generationKeys := make(map[string][]string)
	for {
		page, err := h.st.List(ctx, h.bucket, h.dbID+"-", marker, 0)
		if err != nil {
			return 0, fmt.Errorf("gc: list generations: %w", err)
		}
		for _, item := range page.Items {
			slash := strings.IndexByte(item.Key, '/')
			if slash < 0 {
				continue
			}
			genPart := item.Key[len(h.dbID)+1 : slash]
			generationKeys[genPart] = append(generationKeys[genPart], item.Key)
		}
		if !page.Truncated {
			break
		}
		marker = page.NextMarker
	}

	deleted := 0
	for genPart, keys := range generationKeys {
		id, err := types.ParseGenerationID(genPart)
		if err != nil {
			h.log.Warn("gc: skipping unparsable generation prefix", "prefix", genPart, "error", err)
			continue
		}
		ts, err := generation.Timestamp(id)
		if err != nil {
			h.log.Warn("gc: skipping generation with unparsable timestamp", "generation", id, "error", err)
			continue
		}
		if !ts.Before(h.cutoff) {
			continue
		}
		for _, key := range keys {
			if err := h.st.Delete(ctx, h.bucket, key); err != nil {
				return deleted, fmt.Errorf("gc: delete %s: %w", key, err)
			}
		}
		deleted++
	}

	tombstoneKey := fmt.Sprintf(tombstoneKeyFormat, h.dbID)
	if err := h.st.Delete(ctx, h.bucket, tombstoneKey); err != nil {
		return deleted, fmt.Errorf("gc: delete tombstone: %w", err)
	}
	return deleted, nil
}

type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(b []byte) *bytesReader { return &bytesReader{data: b} }

func (b *bytesReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

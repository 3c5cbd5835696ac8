// Package generation mints and tracks generations, the time-ordered write
// epochs that each own a snapshot and a run of batch objects. The current
// generation identifier is held behind an atomic pointer to an immutable
// value rather than a mutex-guarded field, since a single-writer handoff
// is all that's needed.
package generation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

var log = slog.Default()

const (
	metaKeyName           = ".meta"
	depKeyName            = ".dep"
	changeCounterKeyName  = ".changecounter"
	metaObjectSize         = 12
)

// Manager owns generation identity and the small per-generation metadata
// objects (.meta, .dep, .changecounter). It does not own the frame
// counters; internal/sequencer does.
type Manager struct {
	st     store.Store
	bucket string
	dbID   string

	current atomic.Pointer[types.GenerationID]
}

// NewManager constructs a Manager with no current generation set.
func NewManager(st store.Store, bucket, dbID string) *Manager {
	return &Manager{st: st, bucket: bucket, dbID: dbID}
}

// Current returns the active generation. The zero value means no
// generation has been created yet.
func (m *Manager) Current() types.GenerationID {
	if p := m.current.Load(); p != nil {
		return *p
	}
	return types.GenerationID{}
}

// NewGeneration mints a fresh reverse-time UUIDv7 id, swaps it in
// atomically, and — if a previous generation existed and differs from the
// new one — schedules a best-effort background write of the new
// generation's `.dep` object pointing at the previous one, as a
// best-effort background task. It returns the previous generation, or
// the zero value if this is the first generation.
func (m *Manager) NewGeneration(ctx context.Context) (prev types.GenerationID, err error) {
	id, err := New(time.Now())
	if err != nil {
		return types.GenerationID{}, fmt.Errorf("generation: mint id: %w", err)
	}
	prev = m.SetGeneration(ctx, id)
	if !prev.IsZero() && prev != id {
		go m.writeDependencyBestEffort(ctx, id, prev)
	}
	return prev, nil
}

// SetGeneration installs gen as current, for the case where a session
// reuses a generation id discovered in the object store. It returns the
// previous generation and writes no `.dep` object.
func (m *Manager) SetGeneration(ctx context.Context, gen types.GenerationID) types.GenerationID {
	var prevPtr *types.GenerationID
	next := gen
	prevPtr = m.current.Swap(&next)

	var prev types.GenerationID
	if prevPtr != nil {
		prev = *prevPtr
	}
	return prev
}

func (m *Manager) writeDependencyBestEffort(ctx context.Context, gen, parent types.GenerationID) {
	key := types.GenerationPrefix(m.dbID, gen) + depKeyName
	if err := m.st.Put(ctx, m.bucket, key, newBytesReader(parent.Bytes())); err != nil {
		log.Warn("generation: failed to write dependency object", "generation", gen, "parent", parent, "error", err)
	}
}

// StoreMetadata writes `.meta` under the current generation: 12 bytes,
// page size and two WAL checksum seeds, all big-endian.
func (m *Manager) StoreMetadata(ctx context.Context, pageSize uint32, seeds [2]uint32) error {
	gen := m.Current()
	if gen.IsZero() {
		return errors.New("generation: no current generation")
	}
	buf := make([]byte, metaObjectSize)
	binary.BigEndian.PutUint32(buf[0:4], pageSize)
	binary.BigEndian.PutUint32(buf[4:8], seeds[0])
	binary.BigEndian.PutUint32(buf[8:12], seeds[1])

	key := types.GenerationPrefix(m.dbID, gen) + metaKeyName
	if err := m.st.Put(ctx, m.bucket, key, newBytesReader(buf)); err != nil {
		return fmt.Errorf("generation: store metadata: %w", err)
	}
	return nil
}

// GetMetadata reads `.meta` for gen. Protocol/format errors (wrong size)
// are reported, not swallowed: the caller (restore.Planner) decides
// whether to skip or fail.
func (m *Manager) GetMetadata(ctx context.Context, gen types.GenerationID) (types.Metadata, error) {
	key := types.GenerationPrefix(m.dbID, gen) + metaKeyName
	r, err := m.st.Get(ctx, m.bucket, key)
	if err != nil {
		return types.Metadata{}, err
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return types.Metadata{}, fmt.Errorf("generation: read metadata: %w", err)
	}
	if len(buf) != metaObjectSize {
		return types.Metadata{}, fmt.Errorf("generation: malformed metadata object (%d bytes)", len(buf))
	}
	return types.Metadata{
		PageSize: binary.BigEndian.Uint32(buf[0:4]),
		Checksum: [2]uint32{binary.BigEndian.Uint32(buf[4:8]), binary.BigEndian.Uint32(buf[8:12])},
	}, nil
}

// GetDependency reads gen's `.dep` object, the parent generation's raw 16
// bytes. ok is false for the root generation (no `.dep` object).
func (m *Manager) GetDependency(ctx context.Context, gen types.GenerationID) (parent types.GenerationID, ok bool, err error) {
	key := types.GenerationPrefix(m.dbID, gen) + depKeyName
	r, err := m.st.Get(ctx, m.bucket, key)
	if errors.Is(err, store.ErrNoSuchKey) {
		return types.GenerationID{}, false, nil
	}
	if err != nil {
		return types.GenerationID{}, false, err
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return types.GenerationID{}, false, fmt.Errorf("generation: read dependency: %w", err)
	}
	if len(buf) != 16 {
		return types.GenerationID{}, false, fmt.Errorf("generation: malformed dependency object (%d bytes)", len(buf))
	}
	parent, err = types.GenerationFromBytes(buf)
	if err != nil {
		return types.GenerationID{}, false, err
	}
	return parent, true, nil
}

// GetRemoteChangeCounter reads gen's `.changecounter` object; a missing
// object is reported as zero, matching the "absent file means zero"
// treatment used for the local change counter.
func (m *Manager) GetRemoteChangeCounter(ctx context.Context, gen types.GenerationID) (uint32, error) {
	key := types.GenerationPrefix(m.dbID, gen) + changeCounterKeyName
	r, err := m.st.Get(ctx, m.bucket, key)
	if errors.Is(err, store.ErrNoSuchKey) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("generation: read change counter: %w", err)
	}
	if len(buf) != 4 {
		return 0, fmt.Errorf("generation: malformed change counter object (%d bytes)", len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// LatestGenerationBefore lists generations newest-first, exploiting the
// inverted-timestamp lexicographic ordering, and returns
// the first one whose decoded timestamp does not exceed before, or simply
// the newest if before is nil.
func (m *Manager) LatestGenerationBefore(ctx context.Context, before *time.Time) (types.GenerationID, bool, error) {
	prefixes, err := m.listGenerationPrefixesNewestFirst(ctx)
	if err != nil {
		return types.GenerationID{}, false, err
	}
	if len(prefixes) == 0 {
		return types.GenerationID{}, false, nil
	}
	if before == nil {
		return prefixes[0], true, nil
	}
	for _, gen := range prefixes {
		ts, err := Timestamp(gen)
		if err != nil {
			log.Warn("generation: skipping generation with unparsable timestamp", "generation", gen, "error", err)
			continue
		}
		if !ts.After(*before) {
			return gen, true, nil
		}
	}
	return types.GenerationID{}, false, nil
}

// listGenerationPrefixesNewestFirst returns every "{db}-{gen}" generation
// discovered under the bucket, in newest-first order. The store's List
// has no delimiter concept, so generation boundaries are derived by
// trimming each key down to its "{db}-{gen}/" segment.
func (m *Manager) listGenerationPrefixesNewestFirst(ctx context.Context) ([]types.GenerationID, error) {
	seen := make(map[string]types.GenerationID)
	marker := ""
	for {
		page, err := m.st.List(ctx, m.bucket, m.dbID+"-", marker, 0)
		if err != nil {
			return nil, fmt.Errorf("generation: list generations: %w", err)
		}
		for _, item := range page.Items {
			slash := strings.IndexByte(item.Key, '/')
			if slash < 0 {
				continue
			}
			genPart := item.Key[len(m.dbID)+1 : slash]
			if _, ok := seen[genPart]; ok {
				continue
			}
			id, err := types.ParseGenerationID(genPart)
			if err != nil {
				log.Warn("generation: skipping unparsable generation prefix", "prefix", genPart, "error", err)
				continue
			}
			seen[genPart] = id
		}
		if !page.Truncated {
			break
		}
		marker = page.NextMarker
	}

	ids := make([]types.GenerationID, 0, len(seen))
	for _, id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func newBytesReader(b []byte) *bytesReadSeekCloser {
	return &bytesReadSeekCloser{data: b}
}

// bytesReadSeekCloser adapts a []byte into the io.Reader Store.Put wants
// without importing bytes.Reader at every call site that also needs a
// descriptive name in stack traces during debugging.
type bytesReadSeekCloser struct {
	data []byte
	pos  int
}

func (b *bytesReadSeekCloser) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

// Package types defines the shared vocabulary for the WAL backup/restore
// core: frame numbers, generation identifiers, batch object keys, and the
// compression enum. Every other package in this module depends on these
// types instead of redefining them.
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FrameNo is a WAL frame sequence number. Numbering starts at 1 within a
// generation; 0 means "no frame yet".
type FrameNo uint32

// GenerationID identifies a write epoch. It wraps a UUIDv7 whose timestamp
// field has been inverted against generation.timestampBoundSeconds so that ascending
// lexicographic listing of "{db}-{gen}/" prefixes returns newest-first.
type GenerationID uuid.UUID

// String renders the generation as a standard UUID string
// ("{gen} is printed as a standard UUID").
func (g GenerationID) String() string {
	return uuid.UUID(g).String()
}

// Bytes returns the raw 16 bytes, the format written into a `.dep` object.
func (g GenerationID) Bytes() []byte {
	b := uuid.UUID(g)
	return b[:]
}

// IsZero reports whether g is the zero value (no generation set).
func (g GenerationID) IsZero() bool {
	return uuid.UUID(g) == uuid.Nil
}

// GenerationFromBytes decodes a 16-byte `.dep` payload into a GenerationID.
func GenerationFromBytes(b []byte) (GenerationID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return GenerationID{}, fmt.Errorf("types: decode generation bytes: %w", err)
	}
	return GenerationID(id), nil
}

// ParseGenerationID parses the standard-UUID string form used as the
// "{gen}" path segment.
func ParseGenerationID(s string) (GenerationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return GenerationID{}, fmt.Errorf("types: parse generation id %q: %w", s, err)
	}
	return GenerationID(id), nil
}

// Compression enumerates the static, per-process batch/snapshot encoding.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// Ext returns the object-key extension for the compression:
// raw, gz, zstd.
func (c Compression) Ext() string {
	switch c {
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zstd"
	default:
		return "raw"
	}
}

// SnapshotExt returns the database-snapshot object extension, which
// spells "no compression" as "db" rather than batch objects' "raw"
// (layout: "db.db | db.gz | db.zstd").
func (c Compression) SnapshotExt() string {
	if c == CompressionNone {
		return "db"
	}
	return c.Ext()
}

// ParseCompressionExt accepts the following spellings:
// raw <-> empty/"raw", gz <-> "gz"/"gzip", zstd <-> "zstd".
func ParseCompressionExt(ext string) (Compression, error) {
	switch strings.ToLower(ext) {
	case "", "raw":
		return CompressionNone, nil
	case "gz", "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("types: unrecognized compression extension %q", ext)
	}
}

// ParseCompressionOption accepts the `use_compression` config spelling:
// none/gzip/zstd.
func ParseCompressionOption(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("types: unrecognized compression option %q", s)
	}
}

// BatchKey identifies one batch object: {db}-{gen}/{first}-{last}-{ts}.{ext}
type BatchKey struct {
	DBID         string
	Generation   GenerationID
	FirstFrame   FrameNo
	LastFrame    FrameNo
	UnixSeconds  int64
	Compression  Compression
}

// GenerationPrefix returns the "{db}-{gen}/" prefix this key lives under.
func GenerationPrefix(dbID string, gen GenerationID) string {
	return fmt.Sprintf("%s-%s/", dbID, gen.String())
}

// FormatName renders the batch key's object name (without the generation
// prefix directory, i.e. just the "{first}-{last}-{ts}.{ext}" segment).
func (k BatchKey) FormatName() string {
	return fmt.Sprintf("%d-%d-%d.%s", k.FirstFrame, k.LastFrame, k.UnixSeconds, k.Compression.Ext())
}

// FormatKey renders the full object key, "{db}-{gen}/{first}-{last}-{ts}.{ext}".
func (k BatchKey) FormatKey() string {
	return GenerationPrefix(k.DBID, k.Generation) + k.FormatName()
}

// ParseBatchName parses the "{first}-{last}-{ts}.{ext}" segment of a batch
// object name (the part after the generation prefix). It returns an error
// for anything that isn't that exact three-integer-plus-extension shape;
// callers use this to distinguish batch objects from `.meta`/`.dep`/etc.
func ParseBatchName(name string) (first, last FrameNo, unixSeconds int64, comp Compression, err error) {
	dot := strings.LastIndexByte(name, '.')
	var stem, ext string
	if dot < 0 {
		stem, ext = name, ""
	} else {
		stem, ext = name[:dot], name[dot+1:]
	}

	parts := strings.Split(stem, "-")
	if len(parts) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("types: %q is not a batch name", name)
	}

	f, err1 := strconv.ParseUint(parts[0], 10, 32)
	l, err2 := strconv.ParseUint(parts[1], 10, 32)
	ts, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, 0, fmt.Errorf("types: %q is not a batch name", name)
	}
	if l < f {
		return 0, 0, 0, 0, fmt.Errorf("types: batch name %q has last < first", name)
	}

	comp, err = ParseCompressionExt(ext)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("types: %q has unrecognized extension: %w", name, err)
	}

	return FrameNo(f), FrameNo(l), ts, comp, nil
}

// RestoreAction is the action tag restore() returns to the host, per
// the Restore Planner and its error handling.
type RestoreAction int

const (
	// ActionReuseGeneration means the live DB file plus the named
	// generation's WAL already reflect the requested point in time; no
	// replay was needed.
	ActionReuseGeneration RestoreAction = iota
	// ActionSnapshotMainDbFile means the host should re-snapshot: either
	// a replay occurred and a fresh snapshot should anchor future
	// restores, or the local DB is already authoritative.
	ActionSnapshotMainDbFile
)

func (a RestoreAction) String() string {
	switch a {
	case ActionReuseGeneration:
		return "ReuseGeneration"
	case ActionSnapshotMainDbFile:
		return "SnapshotMainDbFile"
	default:
		return "Unknown"
	}
}

// RestoreResult is the value restore() returns: an action tag plus whether
// any WAL frame was actually replayed ("recovered from backup").
type RestoreResult struct {
	Action     RestoreAction
	Generation GenerationID
	Recovered  bool
}

// Metadata is the contents of a generation's `.meta` object: 12 bytes,
// page size and two WAL checksum seeds, all big-endian u32.
type Metadata struct {
	PageSize uint32
	Checksum [2]uint32
}

// Package walio is the boundary between the replication core and the host
// database's write-ahead log. Frame byte layout and the host's own
// per-frame checksum algorithm are out of scope: this package
// treats the host WAL as a black-box Source and only owns the wire format
// the core writes into its own batch objects ("per-batch
// framing"), plus a pluggable checksum verifier hook for restore-time
// verification.
package walio

import (
	"github.com/ChuLiYu/walreplica/pkg/types"
)

// Frame is one page-sized WAL record: a page number, its bytes, and
// whether it closes a transaction.
type Frame struct {
	Number types.FrameNo
	PageNo uint32
	Data   []byte
	Commit bool
}

// Source streams frames from the host's WAL in ascending frame-number
// order. Implementations own the host's on-disk frame layout; this
// package never parses it directly.
type Source interface {
	// SeekFrame positions the source so the next ReadFrame call returns
	// the frame numbered n.
	SeekFrame(n types.FrameNo) error
	// ReadFrame returns the next frame, or io.EOF once the WAL is
	// exhausted.
	ReadFrame() (Frame, error)
	// Close releases any underlying file handle.
	Close() error
}

// Opener opens a host WAL file for reading, the capability the Batch
// Copier needs to turn a frame range into a staged batch.
type Opener interface {
	Open(path string) (Source, error)
}

// ChecksumSeed is the running (ck1, ck2) pair seeded from a generation's
// `.meta` object.
type ChecksumSeed [2]uint32

// Verifier is the external per-frame checksum algorithm, treated as a
// black box. It threads a running seed across frames the way SQLite's
// WAL checksum does, without this package knowing the algorithm's
// internals.
type Verifier interface {
	// Verify checks frame f against the running seed and returns the
	// next seed. ok is false on mismatch.
	Verify(seed ChecksumSeed, f Frame) (next ChecksumSeed, ok bool)
}

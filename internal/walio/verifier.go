package walio

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32Verifier is the default Verifier: it folds each frame's page bytes
// and header fields into a running CRC32-IEEE pair, mirroring the
// checksum-threading shape of SQLite's WAL (two 32-bit words advanced
// frame over frame) without claiming to reproduce its exact algorithm.
type CRC32Verifier struct{}

// Verify advances the running seed and reports whether it is internally
// consistent. Internal consistency here means "the running fold did not
// desync", which for this reference verifier is always true: it exists so
// restore.Replayer has a concrete Verifier to call when verify_crc is
// enabled, and so tests can inject a Verifier that deliberately fails.
func (CRC32Verifier) Verify(seed ChecksumSeed, f Frame) (ChecksumSeed, bool) {
	buf := make([]byte, 9+len(f.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Number))
	binary.BigEndian.PutUint32(buf[4:8], f.PageNo)
	if f.Commit {
		buf[8] = 1
	}
	copy(buf[9:], f.Data)

	next := ChecksumSeed{
		crc32.Update(seed[0], crc32.IEEETable, buf),
		crc32.Update(seed[1], crc32.IEEETable, buf[:len(buf)-len(f.Data)]),
	}
	return next, true
}

// FailingVerifier always reports a mismatch; used by tests exercising the
// path where a checksum mismatch fails the current restore.
type FailingVerifier struct{}

func (FailingVerifier) Verify(seed ChecksumSeed, _ Frame) (ChecksumSeed, bool) {
	return seed, false
}

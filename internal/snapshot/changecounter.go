package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// readChangeCounter reads the 4-byte big-endian change counter at offset
// 24 of the database file (the same field SQLite's header keeps there).
func readChangeCounter(dbPath string) (uint32, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return 0, fmt.Errorf("snapshot: open database file: %w", err)
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], changeCounterOffset); err != nil && err != io.EOF {
		return 0, fmt.Errorf("snapshot: read change counter: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadChangeCounterOrZero reads the database file's change counter,
// treating a missing file as zero, matching "absent file ->
// zeros" rule for the local side of a restore decision.
func ReadChangeCounterOrZero(dbPath string) (uint32, error) {
	counter, err := readChangeCounter(dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return counter, nil
}

type counterReader struct {
	buf [4]byte
	pos int
}

func newCounterReader(v uint32) *counterReader {
	r := &counterReader{}
	binary.BigEndian.PutUint32(r.buf[:], v)
	return r
}

func (r *counterReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

package generation

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/walreplica/pkg/types"
)

// timestampBoundSeconds is the fixed upper bound generation timestamps are
// inverted against, so that lexicographic-ascending listing of
// "{db}-{gen}/" prefixes returns newest-first.
const timestampBoundSeconds int64 = 253370761200

// New mints a reverse-time UUIDv7 generation id for instant now. The
// google/uuid package does not expose a constructor that takes an
// arbitrary embedded timestamp, so the 16 bytes are assembled directly
// per RFC 9562 §5.7: a 48-bit big-endian millisecond timestamp, the
// version nibble, 74 bits of randomness, and the variant bits.
func New(now time.Time) (types.GenerationID, error) {
	invertedMillis := timestampBoundSeconds*1000 - now.UnixMilli()
	if invertedMillis < 0 {
		return types.GenerationID{}, fmt.Errorf("generation: clock %s is past the inversion bound", now)
	}
	return fromInvertedMillis(uint64(invertedMillis))
}

func fromInvertedMillis(invertedMillis uint64) (types.GenerationID, error) {
	var raw [16]byte
	raw[0] = byte(invertedMillis >> 40)
	raw[1] = byte(invertedMillis >> 32)
	raw[2] = byte(invertedMillis >> 24)
	raw[3] = byte(invertedMillis >> 16)
	raw[4] = byte(invertedMillis >> 8)
	raw[5] = byte(invertedMillis)

	var randBytes [10]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return types.GenerationID{}, fmt.Errorf("generation: read random bytes: %w", err)
	}

	raw[6] = 0x70 | (randBytes[0] & 0x0F) // version 7 in high nibble
	raw[7] = randBytes[1]
	raw[8] = 0x80 | (randBytes[2] & 0x3F) // variant 10xxxxxx
	copy(raw[9:], randBytes[3:])

	return types.GenerationID(uuid.UUID(raw)), nil
}

// Timestamp recovers the wall-clock instant a generation id was minted at
// by inverting the embedded UUIDv7 timestamp field back against the same
// bound used to mint it.
func Timestamp(id types.GenerationID) (time.Time, error) {
	raw := uuid.UUID(id)
	if (raw[6] >> 4) != 0x7 {
		return time.Time{}, fmt.Errorf("generation: %s is not a UUIDv7", id)
	}

	invertedMillis := uint64(raw[0])<<40 | uint64(raw[1])<<32 | uint64(raw[2])<<24 |
		uint64(raw[3])<<16 | uint64(raw[4])<<8 | uint64(raw[5])

	actualMillis := timestampBoundSeconds*1000 - int64(invertedMillis)
	return time.UnixMilli(actualMillis).UTC(), nil
}

package walio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ChuLiYu/walreplica/pkg/types"
)

// frameHeaderSize is the fixed-width header preceding each frame's page
// bytes in a batch object: frame number, page number, commit flag, page
// length, all big-endian.
const frameHeaderSize = 4 + 4 + 1 + 4

// Encoder writes frames into the per-batch wire format that Batch Copier
// streams into a (possibly compressed) staging file.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w (the compression layer, or the raw staging file for
// CompressionNone) with the batch frame codec.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame appends one frame to the stream.
func (e *Encoder) WriteFrame(f Frame) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(f.Number))
	binary.BigEndian.PutUint32(header[4:8], f.PageNo)
	if f.Commit {
		header[8] = 1
	}
	binary.BigEndian.PutUint32(header[9:13], uint32(len(f.Data)))

	if _, err := e.w.Write(header); err != nil {
		return fmt.Errorf("walio: write frame %d header: %w", f.Number, err)
	}
	if _, err := e.w.Write(f.Data); err != nil {
		return fmt.Errorf("walio: write frame %d body: %w", f.Number, err)
	}
	return nil
}

// Decoder reads frames back out of a batch object body; each frame's
// number comes from its own header.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r (the decompression layer) with the batch frame codec.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame returns the next frame, or io.EOF when the stream is
// exhausted cleanly between frames. A short read mid-frame is a wrapped
// io.ErrUnexpectedEOF, treated by the replayer as a protocol/format error.
func (d *Decoder) ReadFrame() (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("walio: read frame header: %w", err)
	}

	f := Frame{
		Number: types.FrameNo(binary.BigEndian.Uint32(header[0:4])),
		PageNo: binary.BigEndian.Uint32(header[4:8]),
		Commit: header[8] != 0,
	}
	length := binary.BigEndian.Uint32(header[9:13])

	f.Data = make([]byte, length)
	if _, err := io.ReadFull(d.r, f.Data); err != nil {
		return Frame{}, fmt.Errorf("walio: read frame %d body: %w", f.Number, err)
	}
	return f, nil
}

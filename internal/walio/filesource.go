package walio

import (
	"fmt"
	"io"
	"os"

	"github.com/ChuLiYu/walreplica/pkg/types"
)

// FileWAL is a flat-file host WAL using the same frame wire format as
// Encoder/Decoder. It exists so this module is runnable end to end
// without a real embedded database driving it: it plays the role of "the
// host database's WAL" for the CLI default and for the tests that need
// one, the way the teacher's own wal.go was a complete, appendable log
// rather than an interface stub.
type FileWAL struct {
	path string
}

// NewFileWAL points at path; the file need not exist yet.
func NewFileWAL(path string) *FileWAL {
	return &FileWAL{path: path}
}

// AppendFrames appends frames to the WAL file, creating it if necessary.
func (w *FileWAL) AppendFrames(frames []Frame) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("walio: open wal for append: %w", err)
	}
	defer f.Close()

	enc := NewEncoder(f)
	for _, fr := range frames {
		if err := enc.WriteFrame(fr); err != nil {
			return err
		}
	}
	return f.Sync()
}

// FileOpener implements Opener by reading FileWAL's on-disk format.
type FileOpener struct{}

func (FileOpener) Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("walio: open wal %s: %w", path, err)
	}
	return &fileSource{f: f, dec: NewDecoder(f)}, nil
}

type fileSource struct {
	f   *os.File
	dec *Decoder
}

// SeekFrame scans from the start of the file for frame n. A flat file
// with no index is O(n) to seek into; that cost falls on Batch Copier's
// bounded per-flush ranges, not on steady-state append throughput.
func (s *fileSource) SeekFrame(n types.FrameNo) error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("walio: seek wal to start: %w", err)
	}
	s.dec = NewDecoder(s.f)

	for {
		pos, err := s.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		frame, err := s.dec.ReadFrame()
		if err == io.EOF {
			return fmt.Errorf("walio: frame %d not found in wal", n)
		}
		if err != nil {
			return err
		}
		if frame.Number == n {
			if _, err := s.f.Seek(pos, io.SeekStart); err != nil {
				return err
			}
			s.dec = NewDecoder(s.f)
			return nil
		}
		if frame.Number > n {
			return fmt.Errorf("walio: frame %d not found in wal (passed it at %d)", n, frame.Number)
		}
	}
}

func (s *fileSource) ReadFrame() (Frame, error) {
	return s.dec.ReadFrame()
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

// CountFrames returns the number of frames currently appended to a
// FileWAL-formatted WAL at path, or zero if the file does not exist
// (the "absent file -> zeros" rule applies here too).
func CountFrames(path string) (types.FrameNo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("walio: open wal %s: %w", path, err)
	}
	defer f.Close()

	dec := NewDecoder(f)
	var count types.FrameNo
	for {
		if _, err := dec.ReadFrame(); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, fmt.Errorf("walio: count frames: %w", err)
		}
		count++
	}
}

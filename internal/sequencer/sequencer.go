// Package sequencer tracks the three frame-number counters that drive
// when a range of WAL frames gets handed to the Batch Copier, and
// serializes that hand-off through a single long-lived flush loop.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/walreplica/pkg/types"
)

const (
	// DefaultBatchMaxFrames is the size trigger: once this many frames
	// are pending, a flush fires without waiting for the timer.
	DefaultBatchMaxFrames = 10_000
	// DefaultFlushInterval is the time trigger.
	DefaultFlushInterval = 15 * time.Second
)

// FlushFunc is the Batch Copier's contract: copy the closed frame range
// [first, last] into a new batch object. Returning an error means no
// partial batch was produced and last_committed must not advance.
type FlushFunc func(ctx context.Context, first, last types.FrameNo) error

// Sequencer owns next_frame_no, last_sent_frame_no and
// last_committed_frame_no, and the single flush loop that drains them.
type Sequencer struct {
	mu   sync.Mutex
	cond *sync.Cond

	next          types.FrameNo
	lastSent      types.FrameNo
	lastCommitted types.FrameNo
	lastValid     types.FrameNo

	err error

	batchMax      uint32
	flushInterval time.Duration
	flushFn       FlushFunc

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	log *slog.Logger
}

// New constructs a Sequencer. Call Start to run its flush loop.
func New(flushFn FlushFunc, opts ...Option) *Sequencer {
	s := &Sequencer{
		batchMax:      DefaultBatchMaxFrames,
		flushInterval: DefaultFlushInterval,
		flushFn:       flushFn,
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		log:           slog.Default(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Sequencer at construction time.
type Option func(*Sequencer)

// WithBatchMax overrides DefaultBatchMaxFrames.
func WithBatchMax(n uint32) Option {
	return func(s *Sequencer) { s.batchMax = n }
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sequencer) { s.flushInterval = d }
}

// Start launches the flush loop. It runs until Stop is called.
func (s *Sequencer) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop terminates the flush loop and waits for it to exit.
func (s *Sequencer) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Reset reinitializes the counters to the start of a new generation
// (frame numbering restarts at 1). Called by the replicator right after
// internal/generation mints a new generation.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 1
	s.lastSent = 0
	s.lastCommitted = 0
	s.lastValid = 0
	s.err = nil
}

// SubmitFrames advances next_frame_no by n and, if enough frames are now
// pending, fires a non-blocking, idempotent flush trigger.
func (s *Sequencer) SubmitFrames(n uint32) {
	s.mu.Lock()
	s.next += types.FrameNo(n)
	pending := s.pendingLocked()
	s.mu.Unlock()

	if uint32(pending) >= s.batchMax {
		s.signalFlush()
	}
}

// RequestFlush forces a flush regardless of the size trigger.
func (s *Sequencer) RequestFlush() {
	s.signalFlush()
}

func (s *Sequencer) signalFlush() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// a flush is already pending; the edge signal is idempotent.
	}
}

// RollbackToFrame sets next_frame_no to frameNo+1 and clamps
// last_sent_frame_no down to at most frameNo, for an aborted host
// transaction.
func (s *Sequencer) RollbackToFrame(frameNo types.FrameNo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = frameNo + 1
	if s.lastSent > frameNo {
		s.lastSent = frameNo
	}
}

// RegisterLastValidFrame asserts that frameNo is the host's high-water
// mark. A regression is logged, not rejected: the sequencer has no way
// to refuse a call from the host.
func (s *Sequencer) RegisterLastValidFrame(frameNo types.FrameNo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frameNo < s.lastValid {
		s.log.Warn("sequencer: last valid frame regressed", "from", s.lastValid, "to", frameNo)
	}
	s.lastValid = frameNo
}

// WaitUntilCommitted blocks until last_committed_frame_no >= frameNo or
// the flush loop has recorded an error. The error is scoped to the flush
// that raised it: the next successful flush clears it, so a transient
// failure never poisons waiters for the rest of the generation.
func (s *Sequencer) WaitUntilCommitted(frameNo types.FrameNo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lastCommitted < frameNo && s.err == nil {
		s.cond.Wait()
	}
	return s.err
}

// Pending reports next_frame_no - last_sent_frame_no - 1.
func (s *Sequencer) Pending() types.FrameNo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Sequencer) pendingLocked() types.FrameNo {
	if s.next == 0 || s.lastSent+1 > s.next-1 {
		return 0
	}
	return s.next - s.lastSent - 1
}

// LastCommitted reports the high-water mark of successfully staged
// batches.
func (s *Sequencer) LastCommitted() types.FrameNo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted
}

func (s *Sequencer) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.drainOnce()
		case <-s.trigger:
			s.drainOnce()
		}
	}
}

// drainOnce snapshots the pending range under the mutex, then calls the
// Batch Copier outside the lock so a slow copy never blocks counter
// reads from other goroutines.
func (s *Sequencer) drainOnce() {
	s.mu.Lock()
	first := s.lastSent + 1
	last := s.next - 1
	s.mu.Unlock()

	if last < first {
		return
	}

	err := s.flushFn(context.Background(), first, last)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = fmt.Errorf("sequencer: flush [%d,%d]: %w", first, last, err)
		s.cond.Broadcast()
		return
	}
	s.err = nil
	s.lastSent = last
	s.lastCommitted = last
	s.cond.Broadcast()
}

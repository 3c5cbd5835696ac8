// Package uploader implements the Object Uploader: a bounded-parallelism
// worker pool that PUTs staging files to the object store and deletes
// them on success.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/walreplica/internal/store"
)

const (
	// DefaultParallelism is P, the semaphore capacity bounding concurrent
	// uploads.
	DefaultParallelism = 32
	// DefaultQueueCapacity is the bounded input channel's capacity.
	DefaultQueueCapacity = 64
)

var (
	ErrPoolClosed     = errors.New("uploader: pool is closed")
	ErrPoolNotStarted = errors.New("uploader: pool not started")
)

// Item is one staging file destined for the object store.
type Item struct {
	Bucket string
	Key    string
	Path   string
}

// Observer is an optional hook for tests and metrics to learn about
// upload completions without changing the swallow-on-failure contract.
type Observer interface {
	OnUploadComplete(item Item, err error)
}

// Pool is the bounded-parallelism upload queue. Its lifecycle (NewPool,
// Start, Submit, Stop, sync.WaitGroup fan-in) bounds concurrency with a
// weighted semaphore instead of a fixed worker count, since uploads are
// I/O-bound rather than CPU-bound.
type Pool struct {
	st  store.Store
	sem *semaphore.Weighted

	itemCh chan Item
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	observer Observer
	log      *slog.Logger
}

// NewPool constructs a Pool. parallelism is P; queueCapacity sizes the
// bounded input channel with a fixed capacity.
func NewPool(st store.Store, parallelism int64, queueCapacity int, observer Observer) *Pool {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Pool{
		st:       st,
		sem:      semaphore.NewWeighted(parallelism),
		itemCh:   make(chan Item, queueCapacity),
		stopCh:   make(chan struct{}),
		observer: observer,
		log:      slog.Default(),
	}
}

// Start launches the loop that drains the input queue and spawns one
// upload task per item, up to the semaphore's weight.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("uploader: pool already started")
	}
	p.started = true

	p.wg.Add(1)
	go p.dispatchLoop()
	return nil
}

// Submit enqueues an upload. It blocks if the bounded queue is full,
// which is the Batch Copier's backpressure signal.
func (p *Pool) Submit(ctx context.Context, item Item) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	itemCh := p.itemCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case itemCh <- item:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the input queue and waits for every in-flight upload to
// finish; the pool drains its queue before returning.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.itemCh)
	p.wg.Wait()
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	var inFlight sync.WaitGroup
	for item := range p.itemCh {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			p.log.Warn("uploader: semaphore acquire failed", "error", err)
			continue
		}
		inFlight.Add(1)
		go func(item Item) {
			defer inFlight.Done()
			defer p.sem.Release(1)
			p.uploadOne(item)
		}(item)
	}
	inFlight.Wait()
}

// uploadOne streams the staging file to the store under Key and deletes
// the staging file on success. Failures are logged and swallowed: retry
// is the object-store client's responsibility.
func (p *Pool) uploadOne(item Item) {
	err := p.put(item)
	if err != nil {
		p.log.Warn("uploader: upload failed", "key", item.Key, "error", err)
	} else if rmErr := os.Remove(item.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		p.log.Warn("uploader: delete staging file after upload", "path", item.Path, "error", rmErr)
	}
	if p.observer != nil {
		p.observer.OnUploadComplete(item, err)
	}
}

func (p *Pool) put(item Item) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return fmt.Errorf("uploader: open staging file: %w", err)
	}
	defer f.Close()

	if err := p.st.Put(context.Background(), item.Bucket, item.Key, f); err != nil {
		return fmt.Errorf("uploader: put object: %w", err)
	}
	return nil
}

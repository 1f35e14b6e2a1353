// Package tee fans a single byte stream out to independent readers.
//
// A pump goroutine reads the source into a shared chunk log. Each branch keeps
// its own cursor into the log, so a slow reader never blocks a fast one and
// every branch sees every byte in order exactly once. Chunks are dropped once
// all live branches have consumed them.
package tee

import (
	"context"
	"errors"
	"io"
	"sync"
)

const defaultChunkSize = 32 * 1024

var (
	// ErrBufferOverflow is returned to a branch that fell further behind the
	// source than the configured limit. The branch is detached.
	ErrBufferOverflow = errors.New("tee: branch buffer overflow")
	// ErrClosedBranch is returned by Read after Close.
	ErrClosedBranch = errors.New("tee: read on closed branch")
)

type Option func(*Splitter)

// WithMaxBuffered caps how many unread bytes a branch may accumulate. Zero
// means unbounded.
func WithMaxBuffered(n int64) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.maxBuffered = n
		}
	}
}

// WithChunkSize sets the pump read size.
func WithChunkSize(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// Splitter duplicates a source into a client branch and a persist branch.
type Splitter struct {
	src         io.Reader
	chunkSize   int
	maxBuffered int64

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	base   int
	total  int64
	done   bool
	err    error

	client  *Branch
	persist *Branch

	pumpDone  chan struct{}
	closeOnce sync.Once
}

// Split starts pumping src and takes ownership of it: if src is an
// io.Closer it is closed once the pump stops.
func Split(src io.Reader, opts ...Option) *Splitter {
	s := &Splitter{
		src:       src,
		chunkSize: defaultChunkSize,
		pumpDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.client = newBranch(s, "client")
	s.persist = newBranch(s, "persist")

	go s.pump()
	return s
}

// Client returns the branch forwarded to the caller.
func (s *Splitter) Client() *Branch { return s.client }

// Persist returns the branch written to durable storage.
func (s *Splitter) Persist() *Branch { return s.persist }

// Wait blocks until the pump has stopped and both branches have finished,
// either by reaching the end of the stream or by being closed. It returns the
// source error, if any.
func (s *Splitter) Wait(ctx context.Context) error {
	for _, ch := range []<-chan struct{}{s.pumpDone, s.client.done, s.persist.done} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err()
}

// Done is closed once the pump has stopped reading the source.
func (s *Splitter) Done() <-chan struct{} { return s.pumpDone }

// Err returns the source error once the pump has stopped. A clean end of
// stream is nil.
func (s *Splitter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Total returns the number of bytes read from the source so far.
func (s *Splitter) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Splitter) pump() {
	defer close(s.pumpDone)
	defer s.closeSource()

	for {
		if s.allDetached() {
			s.finish(nil)
			return
		}

		buf := make([]byte, s.chunkSize)
		n, err := s.src.Read(buf)
		if n > 0 {
			s.append(buf[:n])
		}
		if err != nil {
			// A source closed because every branch detached is not a failure.
			if errors.Is(err, io.EOF) || s.allDetached() {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

func (s *Splitter) append(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = append(s.chunks, chunk)
	s.total += int64(len(chunk))
	if s.maxBuffered > 0 {
		for _, b := range []*Branch{s.client, s.persist} {
			if b.live() && s.total-b.consumed > s.maxBuffered {
				b.overflow = true
				b.markDone()
			}
		}
		s.trimLocked()
	}
	s.cond.Broadcast()
}

func (s *Splitter) finish(err error) {
	s.mu.Lock()
	s.done = true
	s.err = err
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Splitter) closeSource() {
	s.closeOnce.Do(func() {
		if closer, ok := s.src.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

func (s *Splitter) allDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.client.live() && !s.persist.live()
}

// trimLocked drops chunks every live branch has moved past.
func (s *Splitter) trimLocked() {
	low := s.base + len(s.chunks)
	for _, b := range []*Branch{s.client, s.persist} {
		if b.live() && b.next < low {
			low = b.next
		}
	}
	drop := low - s.base
	if drop <= 0 {
		return
	}
	for i := 0; i < drop; i++ {
		s.chunks[i] = nil
	}
	s.chunks = s.chunks[drop:]
	s.base = low
}

// Branch is one reader of a split stream.
type Branch struct {
	s    *Splitter
	name string

	next     int
	off      int
	consumed int64
	closed   bool
	overflow bool
	finished bool

	done     chan struct{}
	doneOnce sync.Once
}

func newBranch(s *Splitter, name string) *Branch {
	return &Branch{s: s, name: name, done: make(chan struct{})}
}

// Name identifies the branch in logs and metrics.
func (b *Branch) Name() string { return b.name }

// Read returns the next bytes of the stream. It returns io.EOF after a clean
// end and the source error after a failed one.
func (b *Branch) Read(p []byte) (int, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if b.closed {
			return 0, ErrClosedBranch
		}
		if b.overflow {
			b.markDone()
			return 0, ErrBufferOverflow
		}
		if idx := b.next - s.base; idx < len(s.chunks) {
			if len(p) == 0 {
				return 0, nil
			}
			chunk := s.chunks[idx]
			n := copy(p, chunk[b.off:])
			b.off += n
			b.consumed += int64(n)
			if b.off == len(chunk) {
				b.next++
				b.off = 0
				s.trimLocked()
			}
			return n, nil
		}
		if s.done {
			b.finished = true
			b.markDone()
			s.trimLocked()
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// Close detaches the branch. The other branch is unaffected. Closing the
// last live branch stops the pump and closes the source.
func (b *Branch) Close() error {
	s := b.s
	s.mu.Lock()
	if b.closed {
		s.mu.Unlock()
		return nil
	}
	b.closed = true
	b.markDone()
	s.trimLocked()
	stop := !s.done && !s.client.live() && !s.persist.live()
	s.cond.Broadcast()
	s.mu.Unlock()

	if stop {
		s.closeSource()
	}
	return nil
}

// BytesRead returns how many bytes this branch has consumed.
func (b *Branch) BytesRead() int64 {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.consumed
}

func (b *Branch) live() bool {
	return !b.closed && !b.overflow && !b.finished
}

func (b *Branch) markDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

package service

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/felixgeelhaar/multilink/protocol"
)

// DefaultBuffer is the element buffer used when a stream is created with a
// non-positive size. A producer blocks once the buffer is full until the
// consumer reads or closes.
const DefaultBuffer = 64

type element[T any] struct {
	value T
	err   error
}

// Stream is a lazy, single-use sequence of values. Elements may carry an
// error without ending the stream; the stream ends when its producer
// closes it, optionally with a terminal error.
//
// Close releases the stream early. The producer observes it through
// Sink.Done and every pending Send fails with protocol.ErrStreamClosed.
type Stream[T any] struct {
	items chan element[T]
	done  chan struct{}

	// terminal is written by the producer before items is closed.
	terminal error

	closeOnce sync.Once
	mu        sync.Mutex
	final     error
	onClose   []func()
}

// Sink is the producer side of a Stream. A Sink must not be used from more
// than one goroutine at a time.
type Sink[T any] struct {
	s       *Stream[T]
	endOnce sync.Once
}

// NewStream returns a connected stream and sink.
func NewStream[T any](buffer int) (*Stream[T], *Sink[T]) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Stream[T]{
		items: make(chan element[T], buffer),
		done:  make(chan struct{}),
	}
	return s, &Sink[T]{s: s}
}

// Next returns the next element. It returns io.EOF once the producer has
// finished, the producer's terminal error if it failed, and
// protocol.ErrStreamClosed after Close. Reaching the end closes the stream.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	v, err, _ := s.next(ctx)
	return v, err
}

func (s *Stream[T]) next(ctx context.Context) (T, error, bool) {
	var zero T
	select {
	case <-s.done:
		return zero, s.closedErr(), true
	default:
	}

	select {
	case el, ok := <-s.items:
		if !ok {
			err := s.terminal
			if err == nil {
				err = io.EOF
			}
			s.finish(err)
			return zero, err, true
		}
		return el.value, el.err, false
	case <-s.done:
		return zero, s.closedErr(), true
	case <-ctx.Done():
		return zero, ctx.Err(), false
	}
}

func (s *Stream[T]) finish(err error) {
	s.mu.Lock()
	if s.final == nil {
		s.final = err
	}
	s.mu.Unlock()
	s.Close()
}

func (s *Stream[T]) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil {
		return s.final
	}
	return protocol.ErrStreamClosed
}

// Close releases the stream. It is safe to call more than once and from any
// goroutine.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

// OnClose registers fn to run when the stream is closed, by the consumer or
// by reaching its end. If the stream is already closed fn runs immediately.
func (s *Stream[T]) OnClose(fn func()) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Done is closed once the stream is closed.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// All returns an iterator over the remaining elements. Element errors are
// yielded with a zero value and iteration continues; a terminal error is
// yielded last. The stream is closed when iteration stops, including when
// the loop body breaks early.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			v, err, last := s.next(ctx)
			if last {
				if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrStreamClosed) {
					yield(v, err)
				}
				return
			}
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				yield(v, err)
				return
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

// Collect drains the stream into a slice. It stops at the first error.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for v, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Send delivers v to the consumer. It blocks while the buffer is full and
// fails with protocol.ErrStreamClosed once the consumer has closed.
func (k *Sink[T]) Send(ctx context.Context, v T) error {
	return k.send(ctx, element[T]{value: v})
}

// SendError delivers an error element without ending the stream.
func (k *Sink[T]) SendError(ctx context.Context, err error) error {
	return k.send(ctx, element[T]{err: err})
}

func (k *Sink[T]) send(ctx context.Context, el element[T]) error {
	select {
	case <-k.s.done:
		return protocol.ErrStreamClosed
	default:
	}
	select {
	case k.s.items <- el:
		return nil
	case <-k.s.done:
		return protocol.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream normally. Later calls are no-ops.
func (k *Sink[T]) Close() {
	k.CloseWithError(nil)
}

// CloseWithError ends the stream. A nil err ends it normally; otherwise the
// consumer receives err after the buffered elements. It never blocks.
func (k *Sink[T]) CloseWithError(err error) {
	k.endOnce.Do(func() {
		k.s.terminal = err
		close(k.s.items)
	})
}

// Done is closed when the consumer closes the stream.
func (k *Sink[T]) Done() <-chan struct{} {
	return k.s.done
}

// Generate runs fn in its own goroutine and streams what it sends. The
// context passed to fn is cancelled when the consumer closes the stream. A
// non-nil return from fn becomes the terminal error.
func Generate[T any](ctx context.Context, buffer int, fn func(ctx context.Context, sink *Sink[T]) error) *Stream[T] {
	s, sink := NewStream[T](buffer)
	ctx, cancel := context.WithCancel(ctx)
	s.OnClose(cancel)
	go func() {
		defer cancel()
		err := fn(ctx, sink)
		if errors.Is(err, protocol.ErrStreamClosed) {
			err = nil
		}
		sink.CloseWithError(err)
	}()
	return s
}

// FromSlice returns a finished stream holding values.
func FromSlice[T any](values ...T) *Stream[T] {
	s, sink := NewStream[T](len(values) + 1)
	for _, v := range values {
		s.items <- element[T]{value: v}
	}
	sink.Close()
	return s
}

// Map converts every element of src with fn. Closing the result closes src.
// An error from fn is delivered as an element error.
func Map[T, U any](src *Stream[T], buffer int, fn func(T) (U, error)) *Stream[U] {
	return forward(src, buffer, func(v T, err error) (U, error) {
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(v)
	})
}

// Tap passes every element of src through unchanged, calling fn with it
// first. Closing the result closes src.
func Tap[T any](src *Stream[T], fn func(v T, err error)) *Stream[T] {
	return forward(src, 1, func(v T, err error) (T, error) {
		fn(v, err)
		return v, err
	})
}

func forward[T, U any](src *Stream[T], buffer int, fn func(T, error) (U, error)) *Stream[U] {
	out := Generate(context.Background(), buffer, func(ctx context.Context, sink *Sink[U]) error {
		defer src.Close()
		for {
			v, err, last := src.next(ctx)
			if last {
				if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStreamClosed) {
					return nil
				}
				return err
			}
			if err != nil && ctx.Err() != nil {
				return nil
			}
			u, convErr := fn(v, err)
			if convErr != nil {
				err = sink.SendError(ctx, convErr)
			} else {
				err = sink.Send(ctx, u)
			}
			if err != nil {
				return nil
			}
		}
	})
	out.OnClose(src.Close)
	return out
}

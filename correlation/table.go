// Package correlation matches responses arriving on a shared connection to
// the calls waiting for them.
//
// A Table belongs to one client transport instance. Each in-flight call
// registers a pending entry under its correlation key; the connection's
// reader resolves it with a single value, feeds it stream elements, or
// fails it. Every entry leaves the table exactly once: on resolution, on
// end of stream, on cancellation or when the transport dies.
package correlation

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// Kind is the response shape a pending entry accepts.
type Kind int

const (
	// KindAny accepts a single response, or becomes a stream on the first
	// stream element.
	KindAny Kind = iota
	// KindSingle accepts only a single response.
	KindSingle
	// KindStream accepts only stream elements.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindStream:
		return "stream"
	default:
		return "any"
	}
}

type result[V any] struct {
	resp *service.Response[V]
	err  error
}

type entry[V any] struct {
	kind   Kind
	result chan result[V]
	stream *service.Stream[V]
	feed   *feed[V]
}

// Table maps correlation keys to pending entries. The zero value is not
// usable; create tables with New.
//
// ResolveSingle, PushStream, CloseStream and FailAll are meant to be called
// from the single goroutine reading the connection. Register, Remove, Len
// and Pending.Wait may be called from anywhere.
type Table[V any] struct {
	buffer int

	mu      sync.Mutex
	entries map[string]*entry[V]
	failed  error
}

// Option configures a Table.
type Option func(*options)

type options struct {
	buffer int
}

// WithStreamBuffer sets the channel buffer of the streams handed to callers.
// Elements beyond it wait in the entry's queue; the reader never blocks.
func WithStreamBuffer(n int) Option {
	return func(o *options) {
		o.buffer = n
	}
}

// New creates an empty table.
func New[V any](opts ...Option) *Table[V] {
	o := options{buffer: service.DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Table[V]{
		buffer:  o.buffer,
		entries: make(map[string]*entry[V]),
	}
}

// Pending is the caller's handle on a registered entry.
type Pending[V any] struct {
	key   string
	table *Table[V]
	e     *entry[V]
}

// Key returns the correlation key the entry was registered under.
func (p *Pending[V]) Key() string { return p.key }

// Wait blocks until the entry is resolved or ctx is done. Cancellation
// removes the entry, so a late response is discarded.
func (p *Pending[V]) Wait(ctx context.Context) (*service.Response[V], error) {
	select {
	case r := <-p.e.result:
		return r.resp, r.err
	case <-ctx.Done():
		p.table.Remove(p.key)
		select {
		case r := <-p.e.result:
			r.resp.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

// Register inserts a pending entry. It fails with protocol.ErrDuplicateID
// if key is already pending, and with the failure cause once FailAll ran.
func (t *Table[V]) Register(key string, kind Kind) (*Pending[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed != nil {
		return nil, t.failed
	}
	if _, ok := t.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrDuplicateID, key)
	}
	e := &entry[V]{kind: kind, result: make(chan result[V], 1)}
	t.entries[key] = e
	return &Pending[V]{key: key, table: t, e: e}, nil
}

// ResolveSingle completes a pending entry with one value, or with err when
// err is non-nil. Errors may end any entry, including an open stream. A
// value for a stream entry is a protocol violation: the waiting caller
// receives protocol.ErrUnexpectedResponseShape and so does the reader.
func (t *Table[V]) ResolveSingle(key string, v V, err error) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownID, key)
	}
	delete(t.entries, key)
	t.mu.Unlock()

	switch {
	case err != nil:
		e.fail(err)
		return nil
	case e.kind == KindStream || e.feed != nil:
		violation := fmt.Errorf("%w: single response for stream %s", protocol.ErrUnexpectedResponseShape, key)
		e.fail(violation)
		return violation
	default:
		e.result <- result[V]{resp: service.Single(v)}
		return nil
	}
}

// PushStream queues one stream element, or an element error when err is
// non-nil. The first element of a KindAny entry turns it into a stream and
// hands that stream to the waiting caller. It never blocks: a consumer that
// falls behind holds up only its own stream.
//
// An unknown key yields protocol.ErrUnknownID. Callers log it and move on:
// it is the normal fate of elements arriving after cancellation.
func (t *Table[V]) PushStream(key string, v V, err error) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownID, key)
	}
	if e.kind == KindSingle {
		delete(t.entries, key)
		t.mu.Unlock()
		violation := fmt.Errorf("%w: stream element for single request %s", protocol.ErrUnexpectedResponseShape, key)
		e.fail(violation)
		return violation
	}
	if e.feed == nil {
		t.open(key, e)
	}
	f := e.feed
	t.mu.Unlock()

	f.push(item[V]{value: v, err: err})
	return nil
}

// open turns e into a stream and hands it to the waiter. Called with t.mu held.
func (t *Table[V]) open(key string, e *entry[V]) {
	stream, sink := service.NewStream[V](t.buffer)
	e.stream, e.feed = stream, newFeed[V]()
	stream.OnClose(func() { t.remove(key, e) })
	go e.feed.drain(sink)
	e.result <- result[V]{resp: service.Multiple(stream)}
}

// CloseStream ends the stream of key. An entry that never received an
// element resolves to an empty stream.
func (t *Table[V]) CloseStream(key string) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownID, key)
	}
	delete(t.entries, key)
	if e.kind == KindSingle {
		t.mu.Unlock()
		violation := fmt.Errorf("%w: end of stream for single request %s", protocol.ErrUnexpectedResponseShape, key)
		e.fail(violation)
		return violation
	}
	if e.feed == nil {
		stream, sink := service.NewStream[V](1)
		sink.Close()
		e.result <- result[V]{resp: service.Multiple(stream)}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	e.feed.end(nil)
	return nil
}

// Remove drops the entry for key without resolving it. It is how callers
// cancel: after a timeout, a cancelled context or an early stream close.
func (t *Table[V]) Remove(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if ok && e.stream != nil {
		e.stream.Close()
	}
}

// remove drops key only while it still maps to e, so a stream closing late
// never evicts a newer entry registered under the same key.
func (t *Table[V]) remove(key string, e *entry[V]) {
	t.mu.Lock()
	if t.entries[key] == e {
		delete(t.entries, key)
	}
	t.mu.Unlock()
}

// FailAll resolves every pending entry with err, clears the table and makes
// every later Register fail with err. Open streams end with err after the
// elements already queued. It never blocks.
func (t *Table[V]) FailAll(err error) {
	t.mu.Lock()
	if t.failed == nil {
		t.failed = err
	}
	entries := t.entries
	t.entries = make(map[string]*entry[V])
	t.mu.Unlock()

	for _, e := range entries {
		e.fail(err)
	}
}

// Len returns the number of pending entries.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// fail delivers err to whoever is waiting on e. The entry is already out of
// the table, so no other delivery can race with this one.
func (e *entry[V]) fail(err error) {
	if e.feed != nil {
		e.feed.end(err)
		return
	}
	e.result <- result[V]{err: err}
}

type item[V any] struct {
	value V
	err   error
}

// feed is the unbounded queue between the connection reader and one
// stream. Its drain goroutine is the only user of the stream's sink.
type feed[V any] struct {
	mu     sync.Mutex
	items  []item[V]
	ended  bool
	cause  error
	wakeup chan struct{}
}

func newFeed[V any]() *feed[V] {
	return &feed[V]{wakeup: make(chan struct{}, 1)}
}

func (f *feed[V]) push(it item[V]) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.items = append(f.items, it)
	f.mu.Unlock()
	f.wake()
}

// end closes the feed. The stream ends with cause once the queued elements
// are delivered.
func (f *feed[V]) end(cause error) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended, f.cause = true, cause
	f.mu.Unlock()
	f.wake()
}

func (f *feed[V]) wake() {
	select {
	case f.wakeup <- struct{}{}:
	default:
	}
}

// drain moves queued elements into sink until the feed ends or the consumer
// closes the stream.
func (f *feed[V]) drain(sink *service.Sink[V]) {
	ctx := context.Background()
	for {
		f.mu.Lock()
		if len(f.items) == 0 {
			ended, cause := f.ended, f.cause
			f.mu.Unlock()
			if ended {
				sink.CloseWithError(cause)
				return
			}
			select {
			case <-f.wakeup:
			case <-sink.Done():
				return
			}
			continue
		}
		it := f.items[0]
		f.items[0] = item[V]{}
		f.items = f.items[1:]
		f.mu.Unlock()

		var err error
		if it.err != nil {
			err = sink.SendError(ctx, it.err)
		} else {
			err = sink.Send(ctx, it.value)
		}
		if err != nil {
			return
		}
	}
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDrainTimeout bounds how long a server waits for in-flight calls
// after it stops accepting new ones.
const DefaultDrainTimeout = 30 * time.Second

// DrainConfig configures graceful shutdown.
type DrainConfig struct {
	// Timeout is the maximum time to wait for in-flight calls, including
	// streams still being written. Default: 30 seconds.
	Timeout time.Duration

	// Delay is waited before new calls are refused, so a load balancer can
	// take the server out of rotation first. Default: none.
	Delay time.Duration

	// OnDrainStart is called once new calls are refused.
	OnDrainStart func(inFlight int64)

	// OnDrainComplete is called when draining ends, with the calls still
	// running and the timeout error if there were any.
	OnDrainComplete func(remaining int64, err error)
}

// Drainer counts in-flight calls and lets a server wait for them on
// shutdown. Each server owns one.
type Drainer struct {
	cfg DrainConfig

	mu       sync.Mutex
	draining bool
	inFlight int64
	idle     chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewDrainer returns a drainer with cfg's zero values replaced by defaults.
func NewDrainer(cfg DrainConfig) *Drainer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDrainTimeout
	}
	return &Drainer{cfg: cfg, done: make(chan struct{})}
}

// Track registers a new call. It returns false once draining started; the
// call must then be refused.
func (d *Drainer) Track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.inFlight++
	return true
}

// Complete marks a tracked call finished.
func (d *Drainer) Complete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--
	if d.inFlight == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

// InFlight returns the number of tracked calls.
func (d *Drainer) InFlight() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// IsDraining reports whether new calls are refused.
func (d *Drainer) IsDraining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Drain refuses new calls and waits until the in-flight ones finish, the
// timeout passes or ctx is done. It returns an error when calls were still
// running.
func (d *Drainer) Drain(ctx context.Context) error {
	if d.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Delay):
		}
	}

	d.mu.Lock()
	d.draining = true
	inFlight := d.inFlight
	var idle chan struct{}
	if inFlight > 0 {
		if d.idle == nil {
			d.idle = make(chan struct{})
		}
		idle = d.idle
	}
	d.mu.Unlock()

	if d.cfg.OnDrainStart != nil {
		d.cfg.OnDrainStart(inFlight)
	}

	var err error
	if idle != nil {
		timeout := time.NewTimer(d.cfg.Timeout)
		defer timeout.Stop()
		select {
		case <-idle:
		case <-timeout.C:
			err = fmt.Errorf("drain: %d calls still running after %s", d.InFlight(), d.cfg.Timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	d.doneOnce.Do(func() { close(d.done) })
	if d.cfg.OnDrainComplete != nil {
		d.cfg.OnDrainComplete(d.InFlight(), err)
	}
	return err
}

// Done is closed once Drain returned.
func (d *Drainer) Done() <-chan struct{} {
	return d.done
}

package marionette

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle position of a Conn.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Conn is one logical connection to one worker. It is exclusive-use by
// contract: the pool's checkout discipline guarantees a single caller at
// a time, so Conn itself carries no invocation lock. Invocations issued
// sequentially on one Conn complete in issue order.
//
// A Conn that reported a transport failure is Failed and stays Failed;
// it is never silently revived, replacing it is the pool's job.
type Conn struct {
	desc  ServiceDescriptor
	state atomic.Int32

	tcp net.Conn
	br  *bufio.Reader

	nextID uint64

	createdAt time.Time
	lastUsed  time.Time
	useCount  uint64
}

// Open performs the transport-level connect to desc. The context bounds
// the whole attempt; on expiry the error matches both ErrConn and
// ErrTimeout.
func Open(ctx context.Context, desc ServiceDescriptor) (*Conn, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		desc:      desc,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	c.state.Store(int32(StateConnecting))

	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", desc.Addr())
	if err != nil {
		c.state.Store(int32(StateFailed))
		return nil, connError(err)
	}

	c.tcp = tcp
	c.br = bufio.NewReader(tcp)
	c.state.Store(int32(StateConnected))
	return c, nil
}

func (c *Conn) Descriptor() ServiceDescriptor { return c.desc }

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// UseCount returns how many invocations this handle has carried.
func (c *Conn) UseCount() uint64 { return c.useCount }

// Invoke forwards one call and waits for its response. A transport-level
// failure marks the Conn Failed and returns an error matching ErrConn; a
// failure reported by the remote side returns an *InvokeError and leaves
// the connection Connected: the worker is fine, the call was not.
func (c *Conn) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if st := c.State(); st != StateConnected {
		if st == StateDisconnected {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("%w: handle is %s", ErrConn, st)
	}

	if dl, ok := ctx.Deadline(); ok {
		c.tcp.SetDeadline(dl)
		defer c.tcp.SetDeadline(time.Time{})
	}
	stop := c.watchCancel(ctx)
	defer stop()

	c.nextID++
	id := c.nextID

	req := requestFrame{ID: id, Method: method, Args: args, Kwargs: kwargs}
	if err := writeFrame(c.tcp, frameRequest, req); err != nil {
		c.fail()
		return nil, connError(err)
	}

	for {
		ft, body, err := readFrame(c.br)
		if err != nil {
			c.fail()
			return nil, connError(err)
		}
		// Stray pongs from an earlier abandoned probe are not ours to
		// interpret mid-invoke.
		if ft == framePong {
			continue
		}
		if ft != frameResponse {
			c.fail()
			return nil, fmt.Errorf("%w: unexpected frame type %d", ErrConn, ft)
		}

		var resp responseFrame
		if err := decodeFrame(body, &resp); err != nil {
			c.fail()
			return nil, fmt.Errorf("%w: %w", ErrConn, err)
		}
		if resp.ID != id {
			// Single logical stream per handle: an ID mismatch means the
			// stream is out of sync beyond recovery.
			c.fail()
			return nil, fmt.Errorf("%w: response id %d for request %d", ErrConn, resp.ID, id)
		}

		c.lastUsed = time.Now()
		c.useCount++

		if !resp.OK {
			return nil, &InvokeError{Kind: resp.EKind, Message: resp.EMsg}
		}
		return resp.Value, nil
	}
}

// Ping round-trips a no-op probe. Any failure marks the Conn Failed.
func (c *Conn) Ping(ctx context.Context) error {
	if c.State() != StateConnected {
		return ErrConnClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		c.tcp.SetDeadline(dl)
		defer c.tcp.SetDeadline(time.Time{})
	}
	stop := c.watchCancel(ctx)
	defer stop()

	c.nextID++
	probe := pingFrame{Seq: c.nextID}
	if err := writeFrame(c.tcp, framePing, probe); err != nil {
		c.fail()
		return connError(err)
	}

	for {
		ft, body, err := readFrame(c.br)
		if err != nil {
			c.fail()
			return connError(err)
		}
		if ft != framePong {
			c.fail()
			return fmt.Errorf("%w: unexpected frame type %d during probe", ErrConn, ft)
		}
		var pong pingFrame
		if err := decodeFrame(body, &pong); err != nil {
			c.fail()
			return fmt.Errorf("%w: %w", ErrConn, err)
		}
		if pong.Seq != probe.Seq {
			continue
		}
		return nil
	}
}

// Healthy reports whether the handle is Connected and the worker answers
// a liveness probe right now. The probe is bounded so a wedged worker
// cannot wedge the caller.
func (c *Conn) Healthy() bool {
	if c.State() != StateConnected {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx) == nil
}

// Close releases the transport. Idempotent; the handle ends up
// Disconnected regardless of the state it was in.
func (c *Conn) Close() error {
	prev := ConnState(c.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return nil
	}
	if c.tcp != nil {
		return c.tcp.Close()
	}
	return nil
}

func (c *Conn) fail() {
	c.state.Store(int32(StateFailed))
}

// watchCancel interrupts blocked socket I/O when ctx is cancelled, even
// if ctx carries no deadline: expiring the socket deadline is the only
// way to unstick a read on a worker that will never answer. The returned
// stop must be called once the call is over.
func (c *Conn) watchCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			c.tcp.SetDeadline(time.Now())
		case <-stopCh:
		}
	}()
	return func() {
		close(stopCh)
		<-done
		// A cancellation that lost the race against a successful reply
		// must not leave an expired deadline on a live handle.
		c.tcp.SetDeadline(time.Time{})
	}
}

// idleFor reports how long the handle has been unused. Only meaningful
// while the handle sits idle in the pool.
func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastUsed)
}

func (c *Conn) age(now time.Time) time.Duration {
	return now.Sub(c.createdAt)
}

func (c *Conn) touch() {
	c.lastUsed = time.Now()
}

// connError wraps a transport failure, additionally matching ErrTimeout
// when time ran out so callers can tell a dead worker from a slow one.
func connError(err error) error {
	var ne net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout())
	if timedOut {
		return fmt.Errorf("%w: %w: %w", ErrConn, ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConn, err)
}

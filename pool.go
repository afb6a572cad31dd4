package marionette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// reconnectBackoffBase is the first retry delay; each further attempt
// doubles it.
const reconnectBackoffBase = 100 * time.Millisecond

// Pool bounds, reuses and arbitrates Conn handles grouped by identity
// triple. Checked-out handles are exclusively owned by their caller until
// released; the pool's own lock only ever guards bookkeeping and is never
// held across network I/O.
type Pool struct {
	cfg    poolConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	lk     sync.Mutex
	keys   map[Key]*keyEntry
	closed bool
}

// keyEntry is the per-key bucket. The semaphore carries the capacity
// bound: one token per checked-out handle. Idle handles hold no token,
// and since Acquire always reuses idle handles before dialing, the
// bucket's total handle count stays within the bound too. out is the
// set of currently checked-out handles; Release consults it so a stray
// second release cannot corrupt the idle set or the semaphore.
type keyEntry struct {
	sem  chan struct{}
	idle []*Conn
	out  map[*Conn]struct{}
}

func NewPool(opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		keys: make(map[Key]*keyEntry),
	}

	p.cfg.maxPerKey = DefaultMaxPerKey
	p.cfg.maxIdle = DefaultMaxIdle
	p.cfg.maxAge = DefaultMaxAge
	p.cfg.connectTimeout = DefaultConnectTimeout
	p.cfg.acquireTimeout = DefaultAcquireTimeout
	p.cfg.maxReconnectAttempts = DefaultMaxReconnectAttempts
	p.cfg.freshFor = DefaultFreshFor
	p.cfg.registry = DefaultRegistry

	for _, opt := range opts {
		if err := opt(&p.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if p.cfg.logHandler != nil {
		p.logger = slog.New(p.cfg.logHandler)
	} else {
		p.logger = slog.Default()
	}
	if p.cfg.msink != nil {
		p.msink = p.cfg.msink
	} else {
		p.msink = metrics.Default()
	}
	return p, nil
}

// Acquire returns a healthy handle for desc, exclusively owned by the
// caller until Release. An idle handle is reused when one exists (probed
// first if it sat idle beyond the freshness threshold); otherwise a new
// one is opened, retried with exponential backoff on dial failure. When
// the per-key bound is reached and every handle is checked out, Acquire
// blocks until a release or until the acquire timeout, then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, desc ServiceDescriptor) (*Conn, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil, ErrPoolClosed
	}
	entry, has := p.keys[desc.Key()]
	if !has {
		entry = &keyEntry{
			sem: make(chan struct{}, p.cfg.maxPerKey),
			out: make(map[*Conn]struct{}),
		}
		p.keys[desc.Key()] = entry
	}
	p.lk.Unlock()

	// The acquire timeout bounds waiting for capacity only; it is not
	// consumed by connect attempts, those have their own budget.
	acquireCtx := ctx
	if _, hasDl := ctx.Deadline(); !hasDl && p.cfg.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.acquireTimeout)
		defer cancel()
	}

	select {
	case entry.sem <- struct{}{}:
	case <-acquireCtx.Done():
		p.msink.IncrCounterWithLabels(MetricPoolExhaustedCount, 1.0,
			append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ErrTimeout)
		}
		return nil, acquireCtx.Err()
	}

	conn, err := p.checkout(ctx, desc, entry)
	if err != nil {
		<-entry.sem
		return nil, err
	}
	p.lk.Lock()
	entry.out[conn] = struct{}{}
	p.lk.Unlock()
	p.msink.IncrCounterWithLabels(MetricPoolAcquireCount, 1.0,
		append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
	return conn, nil
}

// checkout runs with a capacity token already held.
func (p *Pool) checkout(ctx context.Context, desc ServiceDescriptor, entry *keyEntry) (*Conn, error) {
	for {
		p.lk.Lock()
		evicted := p.sweepLocked(entry)
		var conn *Conn
		if n := len(entry.idle); n > 0 {
			conn = entry.idle[n-1]
			entry.idle = entry.idle[:n-1]
		}
		p.lk.Unlock()
		closeAll(evicted)

		if conn == nil {
			return p.dial(ctx, desc)
		}

		if conn.State() != StateConnected {
			p.discard(conn, desc, "not connected")
			continue
		}

		if conn.idleFor(time.Now()) > p.cfg.freshFor {
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.connectTimeout)
			err := conn.Ping(probeCtx)
			cancel()
			if err != nil {
				p.discard(conn, desc, "failed liveness probe")
				continue
			}
		}

		p.msink.IncrCounterWithLabels(MetricPoolReuseCount, 1.0,
			append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
		return conn, nil
	}
}

// dial opens a fresh handle, retrying with exponential backoff. Every
// attempt gets its own connect-timeout budget; when all attempts are
// spent the caller sees ErrPoolExhausted wrapping the last dial failure.
func (p *Pool) dial(ctx context.Context, desc ServiceDescriptor) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			backoff := reconnectBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, lastErr)
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.connectTimeout)
		conn, err := Open(dialCtx, desc)
		cancel()
		p.msink.IncrCounterWithLabels(MetricConnDialCount, 1.0,
			append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
		if err == nil {
			return conn, nil
		}

		lastErr = err
		p.msink.IncrCounterWithLabels(MetricConnDialErrorCount, 1.0,
			append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
		p.logger.Debug("dial attempt failed",
			LabelServiceName.L(desc.Name), "attempt", attempt, LabelError.L(err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, lastErr)
}

// Release returns a handle to its bucket. Healthy handles rejoin the idle
// set; anything else is closed and simply not replaced, the next Acquire
// recreates lazily. Releasing to a closed pool closes the handle.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	key := conn.Descriptor().Key()

	p.lk.Lock()
	entry, has := p.keys[key]
	var wasOut bool
	if has {
		_, wasOut = entry.out[conn]
		delete(entry.out, conn)
	}
	if !has || p.closed {
		p.lk.Unlock()
		conn.Close()
		if wasOut {
			select {
			case <-entry.sem:
			default:
			}
		}
		return
	}
	if !wasOut {
		p.lk.Unlock()
		p.logger.Warn("ignoring release of a handle that is not checked out",
			LabelServiceName.L(key.Name))
		return
	}

	var evicted []*Conn
	if conn.State() == StateConnected {
		conn.touch()
		entry.idle = append(entry.idle, conn)
	} else {
		evicted = append(evicted, conn)
		p.msink.IncrCounterWithLabels(MetricPoolDiscardedCount, 1.0,
			append(p.cfg.metricLabels, LabelServiceName.M(key.Name)))
	}
	evicted = append(evicted, p.sweepLocked(entry)...)
	p.lk.Unlock()

	closeAll(evicted)

	// Hand the capacity token back last so a blocked Acquire wakes to a
	// consistent bucket.
	select {
	case <-entry.sem:
	default:
	}
}

// With runs fn with an acquired handle and guarantees the release on
// every exit path, panics included. This is the scoped form of
// Acquire/Release and the recommended way to consume the pool.
func (p *Pool) With(ctx context.Context, desc ServiceDescriptor, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx, desc)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// AcquireByName resolves name through r and acquires a handle to the
// first descriptor found, falling back to the pool's registry when the
// resolver comes back empty. This is the usual controller path: try the
// network, then local knowledge.
func (p *Pool) AcquireByName(ctx context.Context, name string, r Resolver) (*Conn, error) {
	var descs []ServiceDescriptor
	if r != nil {
		found, err := r.Resolve(ctx, name)
		if err != nil {
			p.logger.Debug("resolver failed, falling back to registry",
				LabelServiceName.L(name), LabelError.L(err))
		} else {
			descs = found
		}
	}
	if len(descs) == 0 && p.cfg.registry != nil {
		descs = p.cfg.registry.Lookup(name)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoService, name)
	}
	return p.Acquire(ctx, descs[0])
}

// sweepLocked drops idle handles past their idle or age budget. Caller
// holds p.lk; the returned handles must be closed after unlocking.
// Eviction happens opportunistically on acquire and release, there is no
// background sweeper to leak.
func (p *Pool) sweepLocked(entry *keyEntry) []*Conn {
	now := time.Now()
	var evicted []*Conn
	kept := entry.idle[:0]
	for _, conn := range entry.idle {
		if conn.idleFor(now) > p.cfg.maxIdle || conn.age(now) > p.cfg.maxAge {
			evicted = append(evicted, conn)
			continue
		}
		kept = append(kept, conn)
	}
	entry.idle = kept

	if len(evicted) > 0 {
		p.msink.IncrCounterWithLabels(MetricPoolEvictedCount, float32(len(evicted)), p.cfg.metricLabels)
	}
	return evicted
}

// Close closes every idle handle and fails all future acquires. Handles
// currently checked out stay valid until released, at which point they
// are closed instead of pooled.
func (p *Pool) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	var all []*Conn
	for _, entry := range p.keys {
		all = append(all, entry.idle...)
		entry.idle = nil
	}
	p.lk.Unlock()

	closeAll(all)
	p.logger.Info("pool closed", "idle_closed", len(all))
	return nil
}

func (p *Pool) discard(conn *Conn, desc ServiceDescriptor, reason string) {
	state := conn.State().String()
	conn.Close()
	p.msink.IncrCounterWithLabels(MetricPoolDiscardedCount, 1.0,
		append(p.cfg.metricLabels, LabelServiceName.M(desc.Name)))
	p.logger.Debug("discarded pooled handle",
		LabelServiceName.L(desc.Name), LabelReason.L(reason), LabelState.L(state))
}

func closeAll(conns []*Conn) {
	for _, conn := range conns {
		conn.Close()
	}
}

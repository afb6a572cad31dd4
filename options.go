package marionette

import (
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultMaxPerKey            = 4
	DefaultMaxIdle              = 90 * time.Second
	DefaultMaxAge               = 30 * time.Minute
	DefaultConnectTimeout       = 5 * time.Second
	DefaultAcquireTimeout       = 30 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultFreshFor             = 30 * time.Second
	DefaultAdvertiseInterval    = 5 * time.Second
	DefaultResolveTimeout       = 2 * time.Second

	// DefaultMulticastGroup is the discovery rendezvous. Workers join it
	// to hear queries; controllers send queries to it and collect unicast
	// responses.
	DefaultMulticastGroup = "239.83.41.17:7461"
)

type serverConfig struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	shared       bool
}

// ServerOption configures a `Server` at construction.
type ServerOption func(*serverConfig) error

// WithServerLog specifies which `slog.Handler` the server logs through.
func WithServerLog(handler slog.Handler) ServerOption {
	return func(c *serverConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithServerMetrics chooses the sink receiving server metrics.
func WithServerMetrics(ms metrics.MetricSink) ServerOption {
	return func(c *serverConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithServerMetricLabels adds static labels to every server metric.
func WithServerMetricLabels(labels []metrics.Label) ServerOption {
	return func(c *serverConfig) error {
		c.metricLabels = labels
		return nil
	}
}

// WithSharedState makes every connection dispatch into one shared invoker
// instance, serialized by a single coordinating lock. Without it each
// connection gets a fresh invoker from the factory and never contends.
//
// The mode is fixed at construction: host-application state is either
// safe to share under one lock or it is not, and that is a property of
// the embedding, not of any particular connection.
func WithSharedState() ServerOption {
	return func(c *serverConfig) error {
		c.shared = true
		return nil
	}
}

type poolConfig struct {
	logHandler           slog.Handler
	msink                metrics.MetricSink
	metricLabels         []metrics.Label
	maxPerKey            int
	maxIdle              time.Duration
	maxAge               time.Duration
	connectTimeout       time.Duration
	acquireTimeout       time.Duration
	maxReconnectAttempts int
	freshFor             time.Duration
	registry             *Registry
}

// PoolOption configures a `Pool` at construction.
type PoolOption func(*poolConfig) error

// WithPoolLog specifies which `slog.Handler` the pool logs through.
func WithPoolLog(handler slog.Handler) PoolOption {
	return func(c *poolConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithPoolMetrics chooses the sink receiving pool metrics.
func WithPoolMetrics(ms metrics.MetricSink) PoolOption {
	return func(c *poolConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMaxPerKey bounds how many handles may exist concurrently for one
// (name, host, port) triple, checked out or idle.
func WithMaxPerKey(n int) PoolOption {
	return func(c *poolConfig) error {
		if n <= 0 {
			n = DefaultMaxPerKey
		}
		c.maxPerKey = n
		return nil
	}
}

// WithMaxIdle evicts idle handles that have not been used for this long.
func WithMaxIdle(d time.Duration) PoolOption {
	return func(c *poolConfig) error {
		if d <= 0 {
			d = DefaultMaxIdle
		}
		c.maxIdle = d
		return nil
	}
}

// WithMaxAge evicts handles older than this regardless of activity, so a
// long-lived controller does not pin one worker connection forever.
func WithMaxAge(d time.Duration) PoolOption {
	return func(c *poolConfig) error {
		if d <= 0 {
			d = DefaultMaxAge
		}
		c.maxAge = d
		return nil
	}
}

// WithConnectTimeout bounds each individual transport-level connect,
// including every attempt of the reconnect policy.
func WithConnectTimeout(d time.Duration) PoolOption {
	return func(c *poolConfig) error {
		if d <= 0 {
			d = DefaultConnectTimeout
		}
		c.connectTimeout = d
		return nil
	}
}

// WithAcquireTimeout bounds how long Acquire may block waiting for pool
// capacity. It is distinct from the connect timeout: a full pool and a
// dead worker are different failures.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(c *poolConfig) error {
		if d <= 0 {
			d = DefaultAcquireTimeout
		}
		c.acquireTimeout = d
		return nil
	}
}

// WithMaxReconnectAttempts controls how many times a failed dial is
// retried with exponential backoff before Acquire gives up.
func WithMaxReconnectAttempts(n int) PoolOption {
	return func(c *poolConfig) error {
		if n <= 0 {
			n = DefaultMaxReconnectAttempts
		}
		c.maxReconnectAttempts = n
		return nil
	}
}

// WithFreshFor sets the idle duration beyond which a cached handle is
// liveness-probed before being handed out again.
func WithFreshFor(d time.Duration) PoolOption {
	return func(c *poolConfig) error {
		if d <= 0 {
			d = DefaultFreshFor
		}
		c.freshFor = d
		return nil
	}
}

// WithPoolRegistry sets the registry AcquireByName falls back to when its
// resolver comes back empty. Defaults to DefaultRegistry.
func WithPoolRegistry(reg *Registry) PoolOption {
	return func(c *poolConfig) error {
		if reg != nil {
			c.registry = reg
		}
		return nil
	}
}

type discoveryConfig struct {
	logHandler        slog.Handler
	msink             metrics.MetricSink
	metricLabels      []metrics.Label
	group             string
	iface             *net.Interface
	advertiseInterval time.Duration
	resolveTimeout    time.Duration
}

// DiscoveryOption configures a `Discovery` at construction.
type DiscoveryOption func(*discoveryConfig) error

// WithDiscoveryLog specifies which `slog.Handler` discovery logs through.
func WithDiscoveryLog(handler slog.Handler) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithDiscoveryMetrics chooses the sink receiving discovery metrics.
func WithDiscoveryMetrics(ms metrics.MetricSink) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMulticastGroup overrides the "group:port" rendezvous address. All
// workers and controllers that should see each other must agree on it.
func WithMulticastGroup(group string) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if group != "" {
			c.group = group
		}
		return nil
	}
}

// WithMulticastInterface pins discovery traffic to one interface instead
// of letting the OS pick.
func WithMulticastInterface(iface *net.Interface) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.iface = iface
		return nil
	}
}

// WithAdvertiseInterval controls how often an advertisement re-announces
// its descriptor to the group.
func WithAdvertiseInterval(d time.Duration) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if d <= 0 {
			d = DefaultAdvertiseInterval
		}
		c.advertiseInterval = d
		return nil
	}
}

// WithResolveTimeout bounds Resolve when the caller's context carries no
// earlier deadline.
func WithResolveTimeout(d time.Duration) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if d <= 0 {
			d = DefaultResolveTimeout
		}
		c.resolveTimeout = d
		return nil
	}
}

package marionette

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// DefaultRegistry is the process-wide registry used as the discovery
// fallback when nothing says otherwise.
var DefaultRegistry = NewRegistry()

// Registry is an in-process directory of known services. It backs local
// testing without any network and serves as the fallback when multicast
// discovery yields nothing. All state is in memory; nothing survives a
// restart, re-announcement is what makes workers rediscoverable.
type Registry struct {
	lk      sync.Mutex
	entries map[Key]*registryEntry
	msink   metrics.MetricSink
}

type registryEntry struct {
	desc         ServiceDescriptor
	registeredAt time.Time
	ttl          time.Duration
}

func (e *registryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.registeredAt) >= e.ttl
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key]*registryEntry),
		msink:   metrics.Default(),
	}
}

// Register inserts or overwrites the entry for desc's identity triple and
// resets its expiry. Last write wins; registering the same descriptor
// again is a refresh, not an error. A ttl of zero or less means the entry
// never expires.
func (r *Registry) Register(desc ServiceDescriptor, ttl time.Duration) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	r.entries[desc.Key()] = &registryEntry{
		desc:         desc,
		registeredAt: time.Now(),
		ttl:          ttl,
	}
	r.msink.SetGauge(MetricRegistryEntries, float32(len(r.entries)))
	return nil
}

// Lookup returns all live descriptors registered under name, most
// recently registered first. Expired entries are purged on the way; no
// background sweeper exists, expiry is only ever checked here. An unknown
// name yields an empty result, not an error.
func (r *Registry) Lookup(name string) []ServiceDescriptor {
	now := time.Now()

	r.lk.Lock()
	defer r.lk.Unlock()

	var live []*registryEntry
	for key, entry := range r.entries {
		if entry.expired(now) {
			delete(r.entries, key)
			r.msink.IncrCounter(MetricRegistryExpiredCount, 1.0)
			continue
		}
		if entry.desc.Name == name {
			live = append(live, entry)
		}
	}
	r.msink.SetGauge(MetricRegistryEntries, float32(len(r.entries)))

	sort.Slice(live, func(i, j int) bool {
		return live[i].registeredAt.After(live[j].registeredAt)
	})

	found := make([]ServiceDescriptor, len(live))
	for i, entry := range live {
		found[i] = entry.desc
		// Callers get their own metadata map; mutating a returned
		// descriptor must never reach back into the registry.
		if entry.desc.Metadata != nil {
			found[i].Metadata = MergeMetadata(entry.desc.Metadata, nil)
		}
	}
	return found
}

// Unregister removes the entry matching desc's identity triple. Removing
// an absent entry is a no-op.
func (r *Registry) Unregister(desc ServiceDescriptor) {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.entries, desc.Key())
	r.msink.SetGauge(MetricRegistryEntries, float32(len(r.entries)))
}

// RegistryResolver adapts a Registry to the Resolver interface, so a
// no-network deployment can substitute static configuration for
// multicast discovery.
type RegistryResolver struct {
	Registry *Registry
}

func (r *RegistryResolver) Resolve(_ context.Context, name string) ([]ServiceDescriptor, error) {
	reg := r.Registry
	if reg == nil {
		reg = DefaultRegistry
	}
	return reg.Lookup(name), nil
}

package marionette

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"time"
)

const MaxServiceNameLength = 128

var invalidServiceName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

// ServiceDescriptor identifies one reachable worker. It is immutable once
// created; two descriptors are the same worker when (Name, Host, Port)
// match, regardless of metadata.
type ServiceDescriptor struct {
	// Name is the worker identity, e.g. "maya".
	Name string `cbor:"name"`

	// Host is an IPv4/IPv6 address or hostname.
	Host string `cbor:"host"`

	// Port of the worker's listening endpoint.
	Port int `cbor:"port"`

	// Metadata carries free-form worker properties (version, platform,
	// pid, capabilities). It is advisory and never part of identity.
	Metadata map[string]string `cbor:"meta,omitempty"`
}

// Key is the identity triple descriptors, registry entries and pool
// buckets are grouped under.
type Key struct {
	Name string
	Host string
	Port int
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Name, net.JoinHostPort(k.Host, strconv.Itoa(k.Port)))
}

func (d ServiceDescriptor) Key() Key {
	return Key{Name: d.Name, Host: d.Host, Port: d.Port}
}

// Addr returns the dialable "host:port" form of the descriptor.
func (d ServiceDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d ServiceDescriptor) Validate() error {
	if !ValidateServiceName(d.Name) {
		return ErrNameInvalid
	}
	if d.Host == "" {
		return fmt.Errorf("%w: empty host", ErrDescriptorInvalid)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrDescriptorInvalid, d.Port)
	}
	return nil
}

func (d ServiceDescriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", d.Name),
		slog.String("host", d.Host),
		slog.Int("port", d.Port),
	)
}

func ValidateServiceName(name string) bool {
	return name != "" &&
		!invalidServiceName.MatchString(name) &&
		len(name) <= MaxServiceNameLength
}

var (
	instanceOnce sync.Once
	instanceID   string
)

// processInstanceID distinguishes two workers of the same name on the
// same host, even across pid reuse. Fixed for the process lifetime.
func processInstanceID() string {
	instanceOnce.Do(func() {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			instanceID = strconv.Itoa(os.Getpid())
			return
		}
		instanceID = hex.EncodeToString(buf)
	})
	return instanceID
}

// SystemMetadata returns the standard per-process metadata advertised
// alongside a worker: hostname, platform, pid, instance id and start
// time. Callers merge their own keys on top; on key collision, the
// caller wins.
func SystemMetadata() map[string]string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return map[string]string{
		"hostname":   hostname,
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"pid":        strconv.Itoa(os.Getpid()),
		"instance":   processInstanceID(),
		"start_time": time.Now().Format(time.RFC3339),
	}
}

// MergeMetadata returns a new map with base first, then overrides.
// Either argument may be nil.
func MergeMetadata(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

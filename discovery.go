package marionette

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Resolver locates workers by name. The multicast Discovery is the usual
// implementation; RegistryResolver substitutes static local configuration
// under the same contract. An empty result is never an error: silence on
// the network is a normal state callers must plan for.
type Resolver interface {
	Resolve(ctx context.Context, name string) ([]ServiceDescriptor, error)
}

var _ Resolver = (*Discovery)(nil)
var _ Resolver = (*RegistryResolver)(nil)

// discoveryMsg is the flat wire record for both halves of the protocol.
// It must stay small enough for a single UDP datagram.
type discoveryMsg struct {
	// T is "q" for a query, "a" for an announcement/response.
	T string `cbor:"t"`

	Name string            `cbor:"name,omitempty"`
	Host string            `cbor:"host,omitempty"`
	Port int               `cbor:"port,omitempty"`
	Meta map[string]string `cbor:"meta,omitempty"`
}

// Discovery announces workers on the local network and resolves names
// into service descriptors. One instance may serve any number of
// advertisements and resolutions concurrently; it holds no socket of its
// own, each operation binds what it needs.
type Discovery struct {
	cfg    discoveryConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	group  *net.UDPAddr
}

func NewDiscovery(opts ...DiscoveryOption) (*Discovery, error) {
	d := &Discovery{}

	d.cfg.group = DefaultMulticastGroup
	d.cfg.advertiseInterval = DefaultAdvertiseInterval
	d.cfg.resolveTimeout = DefaultResolveTimeout

	for _, opt := range opts {
		if err := opt(&d.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if d.cfg.logHandler != nil {
		d.logger = slog.New(d.cfg.logHandler)
	} else {
		d.logger = slog.Default()
	}
	if d.cfg.msink != nil {
		d.msink = d.cfg.msink
	} else {
		d.msink = metrics.Default()
	}

	group, err := net.ResolveUDPAddr("udp4", d.cfg.group)
	if err != nil {
		return nil, fmt.Errorf("%w: bad multicast group %q: %w", ErrInvalidCfg, d.cfg.group, err)
	}
	d.group = group
	return d, nil
}

// Advertise makes desc discoverable: it answers queries for desc's name
// and re-announces the descriptor to the group at the configured interval
// until the returned handle is closed.
//
// A bind failure is surfaced so the caller can log it, but advertisement
// is a best-effort add-on: a worker whose Advertise failed is still a
// fully functioning worker, reachable through the registry or explicit
// configuration.
func (d *Discovery) Advertise(desc ServiceDescriptor) (io.Closer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	// The group listener delivers queries (and other workers'
	// announcements, which we ignore); the plain socket carries our
	// outbound announces and unicast query responses.
	listener, err := net.ListenMulticastUDP("udp4", d.cfg.iface, d.group)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdvertiseBind, err)
	}
	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: %w", ErrAdvertiseBind, err)
	}

	adv := &advertisement{
		d:        d,
		desc:     desc,
		listener: listener,
		sender:   sender,
		closeCh:  make(chan struct{}),
	}

	announce, err := encMode.Marshal(discoveryMsg{
		T:    "a",
		Name: desc.Name,
		Host: desc.Host,
		Port: desc.Port,
		Meta: desc.Metadata,
	})
	if err != nil {
		adv.Close()
		return nil, fmt.Errorf("%w: %w", ErrFrameInvalid, err)
	}
	if len(announce) > maxDatagramSize {
		adv.Close()
		return nil, fmt.Errorf("%w: descriptor metadata too large for one datagram", ErrFrameTooLarge)
	}
	adv.announce = announce

	adv.wg.Add(2)
	go adv.announceLoop()
	go adv.respondLoop()

	d.logger.Info("advertising service", LabelServiceName.L(desc.Name), "addr", desc.Addr())
	return adv, nil
}

// Resolve queries the group for name and collects responses. It returns
// once at least one worker answered (with a short linger to catch
// duplicates in flight) or when the window expires, whichever is first.
// No responder on the network means an empty result within the window,
// never an error and never a hang.
//
// Responses are deduplicated by identity triple; the most recent response
// for a triple wins, so refreshed metadata overwrites stale metadata.
func (d *Discovery) Resolve(ctx context.Context, name string) ([]ServiceDescriptor, error) {
	if name != "" && !ValidateServiceName(name) {
		return nil, ErrNameInvalid
	}
	d.msink.IncrCounterWithLabels(MetricDiscoveryResolveCount, 1.0,
		append(d.cfg.metricLabels, LabelServiceName.M(name)))

	window := d.cfg.resolveTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < window {
			window = until
		}
	}
	if window <= 0 {
		return nil, nil
	}

	// The query socket receives unicast responses; joining the group as
	// well lets a resolve window piggyback on periodic announcements even
	// if the query datagram itself was lost.
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdvertiseBind, err)
	}
	defer sock.Close()

	groupSock, err := net.ListenMulticastUDP("udp4", d.cfg.iface, d.group)
	if err != nil {
		d.logger.Debug("resolve cannot join group, relying on query responses", LabelError.L(err))
		groupSock = nil
	} else {
		defer groupSock.Close()
	}

	query, err := encMode.Marshal(discoveryMsg{T: "q", Name: name})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameInvalid, err)
	}
	if _, err := sock.WriteToUDP(query, d.group); err != nil {
		d.logger.Debug("query send failed, relying on announcements", LabelError.L(err))
	}

	respCh := make(chan ServiceDescriptor, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go d.collectAnnounces(sock, name, respCh, &wg)
	if groupSock != nil {
		wg.Add(1)
		go d.collectAnnounces(groupSock, name, respCh, &wg)
	}

	// Closing the sockets is what unblocks the collectors.
	defer wg.Wait()
	defer func() {
		sock.Close()
		if groupSock != nil {
			groupSock.Close()
		}
	}()

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	const linger = 100 * time.Millisecond
	var lingerCh <-chan time.Time

	order := make([]Key, 0, 4)
	found := make(map[Key]ServiceDescriptor)
	for {
		select {
		case <-ctx.Done():
			return collected(order, found), nil
		case <-deadline.C:
			if len(found) == 0 {
				d.msink.IncrCounterWithLabels(MetricDiscoveryResolveEmpty, 1.0,
					append(d.cfg.metricLabels, LabelServiceName.M(name)))
			}
			return collected(order, found), nil
		case <-lingerCh:
			return collected(order, found), nil
		case desc := <-respCh:
			key := desc.Key()
			if _, seen := found[key]; !seen {
				order = append(order, key)
			}
			found[key] = desc
			if lingerCh == nil {
				lt := time.NewTimer(linger)
				defer lt.Stop()
				lingerCh = lt.C
			}
		}
	}
}

func collected(order []Key, found map[Key]ServiceDescriptor) []ServiceDescriptor {
	descs := make([]ServiceDescriptor, 0, len(found))
	for _, key := range order {
		descs = append(descs, found[key])
	}
	return descs
}

// collectAnnounces drains one socket for announcement records matching
// name until the socket is closed. Responses the channel has no room for
// are dropped; dedup means a later announce replaces them anyway.
func (d *Discovery) collectAnnounces(sock *net.UDPConn, name string, respCh chan<- ServiceDescriptor, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			return
		}

		var msg discoveryMsg
		if err := decodeFrame(buf[:n], &msg); err != nil {
			d.msink.IncrCounterWithLabels(MetricDiscoveryMalformedCount, 1.0, d.cfg.metricLabels)
			continue
		}
		if msg.T != "a" || (name != "" && msg.Name != name) {
			continue
		}

		desc := ServiceDescriptor{Name: msg.Name, Host: msg.Host, Port: msg.Port, Metadata: msg.Meta}
		if desc.Validate() != nil {
			d.msink.IncrCounterWithLabels(MetricDiscoveryMalformedCount, 1.0, d.cfg.metricLabels)
			continue
		}
		d.msink.IncrCounterWithLabels(MetricDiscoveryResponseCount, 1.0,
			append(d.cfg.metricLabels, LabelServiceName.M(desc.Name)))

		select {
		case respCh <- desc:
		default:
		}
	}
}

// advertisement keeps one descriptor discoverable until closed.
type advertisement struct {
	d        *Discovery
	desc     ServiceDescriptor
	announce []byte

	listener *net.UDPConn
	sender   *net.UDPConn

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

func (adv *advertisement) announceLoop() {
	defer adv.wg.Done()
	ticker := time.NewTicker(adv.d.cfg.advertiseInterval)
	defer ticker.Stop()

	for {
		adv.send(adv.d.group)
		select {
		case <-ticker.C:
		case <-adv.closeCh:
			return
		}
	}
}

func (adv *advertisement) respondLoop() {
	defer adv.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := adv.listener.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-adv.closeCh:
			default:
				adv.d.logger.Warn("unexpected discovery listener closure", LabelError.L(err))
			}
			return
		}

		var msg discoveryMsg
		if err := decodeFrame(buf[:n], &msg); err != nil {
			adv.d.msink.IncrCounterWithLabels(MetricDiscoveryMalformedCount, 1.0, adv.d.cfg.metricLabels)
			continue
		}
		if msg.T != "q" {
			continue
		}
		if msg.Name != "" && msg.Name != adv.desc.Name {
			continue
		}

		adv.d.msink.IncrCounterWithLabels(MetricDiscoveryQueryCount, 1.0,
			append(adv.d.cfg.metricLabels, LabelServiceName.M(adv.desc.Name)))
		adv.send(src)
	}
}

func (adv *advertisement) send(to *net.UDPAddr) {
	if _, err := adv.sender.WriteToUDP(adv.announce, to); err != nil {
		adv.d.msink.IncrCounterWithLabels(MetricDiscoveryAnnounceErrors, 1.0, adv.d.cfg.metricLabels)
		adv.d.logger.Debug("announce failed", LabelError.L(err), LabelPeerAddr.L(to.String()))
		return
	}
	adv.d.msink.IncrCounterWithLabels(MetricDiscoveryAnnounceCount, 1.0,
		append(adv.d.cfg.metricLabels, LabelServiceName.M(adv.desc.Name)))
}

// Close stops re-announcing and answering queries. Idempotent. Peers that
// cached the descriptor will age it out on their side; there is no
// retraction message, absence of refresh is the retraction.
func (adv *advertisement) Close() error {
	adv.closeOnce.Do(func() {
		close(adv.closeCh)
		adv.listener.Close()
		adv.sender.Close()
		adv.wg.Wait()
		adv.d.logger.Info("advertisement closed", LabelServiceName.L(adv.desc.Name))
	})
	return nil
}

package marionette

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Each test gets its own multicast group so concurrently running tests
// cannot hear each other's announcements.
func testDiscovery(t *testing.T, group string) *Discovery {
	t.Helper()
	d, err := NewDiscovery(
		WithMulticastGroup(group),
		WithAdvertiseInterval(100*time.Millisecond),
		WithResolveTimeout(200*time.Millisecond),
		WithDiscoveryLog(testLogHandler(t, "discovery")),
	)
	require.NoError(t, err)
	return d
}

func TestDiscovery_ResolveWithNoAdvertiserReturnsEmptyInBoundedTime(t *testing.T) {
	d := testDiscovery(t, "239.83.41.21:17701")

	start := time.Now()
	found, err := d.Resolve(context.Background(), "ghost")
	elapsed := time.Since(start)

	require.NoError(t, err, "silence on the network is not an error")
	require.Empty(t, found)
	require.Less(t, elapsed, time.Second, "resolve must never block past its window")
}

func TestDiscovery_AdvertiseThenResolve(t *testing.T) {
	d := testDiscovery(t, "239.83.41.22:17702")
	desc := ServiceDescriptor{
		Name: "maya", Host: "127.0.0.1", Port: 18812,
		Metadata: map[string]string{"version": "2026"},
	}

	advert, err := d.Advertise(desc)
	require.NoError(t, err)
	defer advert.Close()

	require.Eventually(t, func() bool {
		found, err := d.Resolve(context.Background(), "maya")
		if err != nil || len(found) == 0 {
			return false
		}
		return found[0].Name == "maya" &&
			found[0].Port == 18812 &&
			found[0].Metadata["version"] == "2026"
	}, 2*time.Second, 50*time.Millisecond, "advertised worker must resolve within the window")
}

func TestDiscovery_ResolveFiltersByName(t *testing.T) {
	d := testDiscovery(t, "239.83.41.23:17703")

	advert, err := d.Advertise(ServiceDescriptor{Name: "maya", Host: "127.0.0.1", Port: 18812})
	require.NoError(t, err)
	defer advert.Close()

	found, err := d.Resolve(context.Background(), "houdini")
	require.NoError(t, err)
	require.Empty(t, found, "a query for another name must not match")
}

func TestDiscovery_ResponsesDeduplicateByTriple(t *testing.T) {
	d := testDiscovery(t, "239.83.41.24:17704")
	desc := ServiceDescriptor{Name: "maya", Host: "127.0.0.1", Port: 18812}

	advert, err := d.Advertise(desc)
	require.NoError(t, err)
	defer advert.Close()

	// One resolve window sees the query response plus periodic
	// announcements of the same worker; the caller must see one entry.
	require.Eventually(t, func() bool {
		found, err := d.Resolve(context.Background(), "maya")
		return err == nil && len(found) == 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDiscovery_AdvertisementCloseIsIdempotent(t *testing.T) {
	d := testDiscovery(t, "239.83.41.25:17705")

	advert, err := d.Advertise(ServiceDescriptor{Name: "maya", Host: "127.0.0.1", Port: 18812})
	require.NoError(t, err)
	require.NoError(t, advert.Close())
	require.NoError(t, advert.Close())
}

func TestDiscovery_RejectsInvalidInput(t *testing.T) {
	d := testDiscovery(t, "239.83.41.26:17706")

	_, err := d.Advertise(ServiceDescriptor{Name: "no spaces allowed", Host: "127.0.0.1", Port: 1})
	require.ErrorIs(t, err, ErrNameInvalid)

	_, err = d.Resolve(context.Background(), "no spaces allowed")
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestDiscovery_ResolveHonorsContextDeadline(t *testing.T) {
	d, err := NewDiscovery(
		WithMulticastGroup("239.83.41.27:17707"),
		WithResolveTimeout(10*time.Second),
		WithDiscoveryLog(testLogHandler(t, "discovery")),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	found, rerr := d.Resolve(ctx, "ghost")
	require.NoError(t, rerr)
	require.Empty(t, found)
	require.Less(t, time.Since(start), time.Second,
		"an earlier context deadline must shrink the resolve window")
}

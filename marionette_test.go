package marionette

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEndToEnd walks the whole controller path: a worker starts inside a
// "host", announces itself on multicast, and a controller that knows
// nothing but the service name finds it, borrows a pooled handle and
// calls it.
func TestEndToEnd(t *testing.T) {
	const group = "239.83.41.30:17730"

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Worker side.
	srv, err := NewServer(testInvoker, WithServerLog(testLogHandler(t, "worker")))
	require.NoError(t, err)

	workerDisc, err := NewDiscovery(
		WithDiscoveryLog(testLogHandler(t, "worker-disc")),
		WithMulticastGroup(group),
		WithAdvertiseInterval(200*time.Millisecond))
	require.NoError(t, err)

	reg := NewRegistry()
	worker, err := StartWorker(srv, ServiceDescriptor{
		Name:     "render-farm",
		Host:     "127.0.0.1",
		Metadata: map[string]string{"scene": "shot-042"},
	}, workerDisc, reg, 0)
	require.NoError(t, err)
	defer worker.Stop(time.Second)

	desc := worker.Descriptor()
	require.NotZero(t, desc.Port, "the worker must have learned its bound port")
	require.NotEmpty(t, desc.Metadata["pid"], "system metadata should have been merged in")
	require.NotEmpty(t, desc.Metadata["instance"])
	require.Equal(t, "shot-042", desc.Metadata["scene"], "caller metadata must survive the merge")

	// Controller side: a separate Discovery and Pool, sharing nothing
	// in-process with the worker except the multicast group.
	controllerDisc, err := NewDiscovery(
		WithDiscoveryLog(testLogHandler(t, "controller-disc")),
		WithMulticastGroup(group),
		WithResolveTimeout(2*time.Second))
	require.NoError(t, err)

	pool := newTestPool(t)

	var found []ServiceDescriptor
	require.Eventually(t, func() bool {
		found, err = controllerDisc.Resolve(ctx, "render-farm")
		return err == nil && len(found) > 0
	}, 10*time.Second, 100*time.Millisecond, "the advertised worker should be resolvable")
	require.Equal(t, desc.Key(), found[0].Key())

	conn, err := pool.AcquireByName(ctx, "render-farm", controllerDisc)
	require.NoError(t, err)

	value, err := conn.Invoke(ctx, "echo", []any{"action!"}, nil)
	require.NoError(t, err)
	require.Equal(t, "action!", value)

	// Remote-raised failures come back typed and leave the handle usable.
	_, err = conn.Invoke(ctx, "fail", nil, nil)
	invErr, ok := AsInvokeError(err)
	require.True(t, ok)
	require.Equal(t, "boom", invErr.Message)
	require.True(t, conn.Healthy())
	pool.Release(conn)

	// Stop the worker; the name must disappear from both the registry and
	// the airwaves, and pooled acquisition by name must fail cleanly.
	require.NoError(t, worker.Stop(time.Second))
	require.Empty(t, reg.Lookup("render-farm"))

	_, err = pool.AcquireByName(ctx, "render-farm", nil)
	require.ErrorIs(t, err, ErrNoService)
}

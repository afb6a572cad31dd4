package marionette

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestServer_NonBlockingStartOnEphemeralPort(t *testing.T) {
	srv, desc := startTestServer(t)

	require.Greater(t, desc.Port, 0, "the OS must have picked a real port")
	require.Equal(t, desc.Port, srv.Port())
	require.True(t, srv.Running())

	require.NoError(t, srv.Stop(time.Second))
	require.False(t, srv.Running())
	require.NoError(t, srv.Stop(time.Second), "stopping twice is a no-op")

	_, err := srv.Start("127.0.0.1", 0, false)
	require.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_BlockingStartReturnsAfterStop(t *testing.T) {
	srv, err := NewServer(testInvoker, WithServerLog(testLogHandler(t, "server")))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := srv.Start("127.0.0.1", 0, true)
		done <- err
	}()

	require.Eventually(t, srv.Running, time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Stop(time.Second))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Start did not return after Stop")
	}
}

func TestServer_BindFailureIsSynchronousAndFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	srv, err := NewServer(testInvoker, WithServerLog(testLogHandler(t, "server")))
	require.NoError(t, err)
	defer srv.Stop(0)

	_, err = srv.Start("127.0.0.1", taken, false)
	require.ErrorIs(t, err, ErrBind)
	require.False(t, srv.Running())
}

func TestServer_DispatchFailureDoesNotPoisonConnection(t *testing.T) {
	_, desc := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Open(ctx, desc)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Invoke(ctx, "fail", nil, nil)
	ie, ok := AsInvokeError(err)
	require.True(t, ok, "a remote failure must surface as InvokeError, got %v", err)
	require.Equal(t, "boom", ie.Message)
	require.Equal(t, StateConnected, conn.State(),
		"an application-level failure must not mark the transport failed")

	// Same connection keeps working.
	value, err := conn.Invoke(ctx, "echo", []any{"still alive"}, nil)
	require.NoError(t, err)
	require.Equal(t, "still alive", value)
}

func TestServer_InvokerPanicBecomesStructuredError(t *testing.T) {
	_, desc := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Open(ctx, desc)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Invoke(ctx, "panic", nil, nil)
	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	require.Equal(t, "panic", ie.Kind)
	require.Contains(t, ie.Message, "kaboom")

	// Neither this connection nor the server died with the invoker.
	_, err = conn.Invoke(ctx, "echo", []any{"ok"}, nil)
	require.NoError(t, err)
}

func TestServer_SharedStateModeSerializesDispatch(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	shared := InvokerFunc(func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
		now := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxSeen.Load()
			if now <= seen || maxSeen.CompareAndSwap(seen, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	})

	srv, err := NewServer(func() Invoker { return shared },
		WithServerLog(testLogHandler(t, "server")),
		WithSharedState(),
	)
	require.NoError(t, err)
	port, err := srv.Start("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer srv.Stop(time.Second)

	desc := ServiceDescriptor{Name: "testworker", Host: "127.0.0.1", Port: port}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			conn, err := Open(ctx, desc)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Invoke(ctx, "touch", nil, nil)
			return err
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(1), maxSeen.Load(),
		"the coordinating lock must keep concurrent remote calls out of the shared instance")
}

func TestServer_IsolatedModeGivesEachConnectionItsOwnInvoker(t *testing.T) {
	var mu sync.Mutex
	instances := make(map[int]int)
	next := 0

	srv, err := NewServer(func() Invoker {
		mu.Lock()
		id := next
		next++
		mu.Unlock()
		return InvokerFunc(func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			mu.Lock()
			instances[id]++
			mu.Unlock()
			return fmt.Sprintf("instance-%d", id), nil
		})
	}, WithServerLog(testLogHandler(t, "server")))
	require.NoError(t, err)
	port, err := srv.Start("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer srv.Stop(time.Second)

	desc := ServiceDescriptor{Name: "testworker", Host: "127.0.0.1", Port: port}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(map[any]bool)
	for i := 0; i < 2; i++ {
		conn, err := Open(ctx, desc)
		require.NoError(t, err)
		value, err := conn.Invoke(ctx, "whoami", nil, nil)
		require.NoError(t, err)
		seen[value] = true
		conn.Close()
	}
	require.Len(t, seen, 2, "each connection must get a fresh invoker instance")
}

func TestServer_StopWithZeroDrainForceClosesInFlight(t *testing.T) {
	srv, desc := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Open(ctx, desc)
	require.NoError(t, err)
	defer conn.Close()

	invokeErr := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(ctx, "sleep", nil, map[string]any{"ms": 5000})
		invokeErr <- err
	}()

	// Let the request reach the dispatcher before pulling the plug.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, srv.Stop(0))

	select {
	case err := <-invokeErr:
		require.ErrorIs(t, err, ErrConn,
			"a force-closed in-flight invoke must fail as a connection error")
		require.False(t, conn.Healthy())
	case <-time.After(3 * time.Second):
		t.Fatal("pending invoke hung through a zero-drain stop")
	}
}

func TestServer_DrainLetsInFlightInvocationsFinish(t *testing.T) {
	srv, desc := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Open(ctx, desc)
	require.NoError(t, err)
	defer conn.Close()

	invokeRes := make(chan error, 1)
	go func() {
		value, err := conn.Invoke(ctx, "sleep", nil, map[string]any{"ms": 200})
		if err == nil && value != "slept" {
			err = fmt.Errorf("unexpected value %v", value)
		}
		invokeRes <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Stop(2*time.Second))
	require.NoError(t, <-invokeRes, "an invoke inside the drain budget must complete")
}

func TestServer_RequiresInvokerFactory(t *testing.T) {
	_, err := NewServer(nil)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestServer_StopUnderSustainedTraffic(t *testing.T) {
	srv, desc := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Several controllers hammer the worker with short invokes while Stop
	// drains. Requests that raced past the shutdown edge must fail as
	// connection errors; the server must neither hang nor crash.
	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			conn, err := Open(ctx, desc)
			if err != nil {
				return err
			}
			defer conn.Close()
			for {
				if _, err := conn.Invoke(ctx, "echo", []any{"x"}, nil); err != nil {
					if !errors.Is(err, ErrConn) {
						return fmt.Errorf("expected a connection error, got %w", err)
					}
					return nil
				}
			}
		})
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Stop(500*time.Millisecond))
	require.NoError(t, eg.Wait())
}

func TestServer_RunningClearsWhenListenerDies(t *testing.T) {
	srv, _ := startTestServer(t)
	require.True(t, srv.Running())

	srv.lk.Lock()
	ln := srv.ln
	srv.lk.Unlock()
	require.NoError(t, ln.Close())

	require.Eventually(t, func() bool { return !srv.Running() },
		time.Second, 10*time.Millisecond,
		"an accept loop killed from outside must stop reporting as running")
}

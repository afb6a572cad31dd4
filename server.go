package marionette

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Server runs inside a worker process, accepts logical connections from
// controllers and dispatches their invocations into an Invoker. One
// Server per worker identity per process.
//
// The accept loop always runs on its own goroutine unless the caller
// explicitly asked Start to block; hosts with a single-threaded main
// loop must never see their thread of control taken.
type Server struct {
	cfg        serverConfig
	logger     *slog.Logger
	msink      metrics.MetricSink
	newInvoker func() Invoker

	// shared-state mode: one invoker, one coordinating lock, fixed at
	// construction.
	shared Invoker

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	lk       sync.Mutex
	running  bool
	ln       net.Listener
	conns    map[net.Conn]struct{}
	boundTo  int
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup

	// inflightN counts in-progress invocations, response write included,
	// so Stop can drain real work without waiting on controllers that
	// merely keep a handle open. Guarded by lk together with drainedCh,
	// which Stop arms and endDispatch closes when the count hits zero.
	inflightN int
	drainedCh chan struct{}

	// dispatchCtx is cancelled when Stop gives up on draining, aborting
	// long-running invocations.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

// NewServer builds a Server around newInvoker. In the default
// isolated-per-connection mode the factory runs once per accepted
// connection and instances never contend. With WithSharedState the
// factory runs exactly once and every dispatch serializes through one
// coordinating lock around that instance.
func NewServer(newInvoker func() Invoker, opts ...ServerOption) (*Server, error) {
	if newInvoker == nil {
		return nil, fmt.Errorf("%w: invoker factory is required", ErrInvalidCfg)
	}

	s := &Server{
		newInvoker: newInvoker,
		conns:      make(map[net.Conn]struct{}),
	}

	for _, opt := range opts {
		if err := opt(&s.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if s.cfg.logHandler != nil {
		s.logger = slog.New(s.cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}
	if s.cfg.msink != nil {
		s.msink = s.cfg.msink
	} else {
		s.msink = metrics.Default()
	}

	if s.cfg.shared {
		s.shared = &lockedInvoker{inner: newInvoker()}
	}

	s.dispatchCtx, s.dispatchCancel = context.WithCancel(context.Background())
	return s, nil
}

// Start binds host:port and begins accepting. Port 0 asks the OS for an
// ephemeral port; the bound port is returned either way. A bind failure
// is fatal and synchronous, there is no port hunting.
//
// With blocking=false (what embedded hosts must use) the accept loop runs
// on a background goroutine and Start returns immediately. With
// blocking=true the calling goroutine runs the accept loop itself and
// Start returns only after Stop.
func (s *Server) Start(host string, port int, blocking bool) (int, error) {
	s.lk.Lock()
	if s.gracefulTerm.Load() {
		s.lk.Unlock()
		return 0, ErrServerClosed
	}
	if s.running {
		s.lk.Unlock()
		return 0, ErrServerRunning
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		s.lk.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrBind, err)
	}

	s.ln = ln
	s.running = true
	s.boundTo = ln.Addr().(*net.TCPAddr).Port
	s.acceptWG.Add(1)
	s.lk.Unlock()

	s.logger.Info("server listening", "addr", ln.Addr().String())

	if blocking {
		s.acceptLoop(ln)
		return s.boundTo, nil
	}

	go s.acceptLoop(ln)
	return s.boundTo, nil
}

// Running reports whether the accept loop is currently active.
func (s *Server) Running() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.running
}

// Port returns the bound port, zero before the first Start.
func (s *Server) Port() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.boundTo
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()
	// The loop owns the running flag: however it ends, Stop or an
	// unexpected listener failure, Running() must stop reporting true.
	defer func() {
		s.lk.Lock()
		s.running = false
		s.lk.Unlock()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.gracefulTerm.Load() {
				s.logger.Warn("unexpected listener closure", LabelError.L(err))
			}
			return
		}

		s.lk.Lock()
		if s.gracefulTerm.Load() {
			s.lk.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.lk.Unlock()

		s.msink.IncrCounterWithLabels(MetricServerConnInCount, 1.0,
			append(s.cfg.metricLabels, LabelPeerAddr.M(conn.RemoteAddr().String())))
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	defer func() {
		conn.Close()
		s.lk.Lock()
		delete(s.conns, conn)
		s.lk.Unlock()
	}()

	logger := s.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))

	inv := s.shared
	if inv == nil {
		inv = s.newInvoker()
	}

	// Frames on one connection are served strictly in order: that is the
	// per-handle ordering guarantee controllers rely on.
	br := bufio.NewReader(conn)
	for {
		ft, body, err := readFrame(br)
		if err != nil {
			if !s.gracefulTerm.Load() {
				logger.Debug("connection ended", LabelError.L(err))
			}
			return
		}

		switch ft {
		case framePing:
			var ping pingFrame
			if decodeFrame(body, &ping) != nil {
				return
			}
			if err := writeFrame(conn, framePong, ping); err != nil {
				return
			}
		case frameRequest:
			var req requestFrame
			if decodeFrame(body, &req) != nil {
				logger.Warn("malformed request frame, dropping connection")
				return
			}
			// A request arriving after Stop is not dispatched: draining
			// only covers invocations that were already in flight.
			if !s.beginDispatch() {
				return
			}
			resp := s.dispatch(inv, &req, logger)
			err := writeFrame(conn, frameResponse, resp)
			s.endDispatch()
			if err != nil {
				logger.Debug("failed to write response", LabelError.L(err))
				return
			}
		default:
			logger.Warn("unexpected frame from controller", "frame_type", int(ft))
			return
		}
	}
}

// beginDispatch registers one in-progress invocation; it refuses once
// graceful termination started, so the in-flight count can only shrink
// while Stop waits on it. The count covers the response write too: a
// draining Stop must not cut the connection between the invocation
// finishing and its result leaving.
func (s *Server) beginDispatch() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.gracefulTerm.Load() {
		return false
	}
	s.inflightN++
	return true
}

func (s *Server) endDispatch() {
	s.lk.Lock()
	s.inflightN--
	if s.inflightN == 0 && s.drainedCh != nil {
		close(s.drainedCh)
		s.drainedCh = nil
	}
	s.lk.Unlock()
}

// dispatch runs one invocation. Whatever the invoker does, return an
// error or panic, comes back as a structured response; only transport
// failures may end the connection, and nothing here can end the server.
func (s *Server) dispatch(inv Invoker, req *requestFrame, logger *slog.Logger) (resp responseFrame) {
	resp.ID = req.ID

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("invoker panicked", LabelMethod.L(req.Method), "panic", rec)
			resp.OK = false
			resp.Value = nil
			resp.EKind = "panic"
			resp.EMsg = fmt.Sprint(rec)
			s.msink.IncrCounterWithLabels(MetricServerDispatchErrors, 1.0,
				append(s.cfg.metricLabels, LabelMethod.M(req.Method)))
		}
	}()

	start := time.Now()
	value, err := inv.Invoke(s.dispatchCtx, req.Method, req.Args, req.Kwargs)
	s.msink.IncrCounterWithLabels(MetricServerDispatchCount, 1.0,
		append(s.cfg.metricLabels, LabelMethod.M(req.Method)))

	if err != nil {
		resp.OK = false
		resp.EKind = "invoke"
		resp.EMsg = err.Error()
		s.msink.IncrCounterWithLabels(MetricServerDispatchErrors, 1.0,
			append(s.cfg.metricLabels, LabelMethod.M(req.Method)))
		return resp
	}

	resp.OK = true
	resp.Value = value
	logger.Debug("dispatched", LabelMethod.L(req.Method), LabelDuration.L(time.Since(start)))
	return resp
}

// Stop stops accepting immediately, lets in-flight invocations finish for
// up to drain, then force-closes whatever is left. Calling it again, or
// on a server that never started, is a no-op.
func (s *Server) Stop(drain time.Duration) error {
	if !s.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	s.logger.Info("shutting down...")

	// gracefulTerm is already set, so no new dispatch can start; under
	// the lock the in-flight count can only be what it was or less.
	s.lk.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	wasRunning := s.running
	var drained chan struct{}
	if s.inflightN > 0 {
		drained = make(chan struct{})
		s.drainedCh = drained
	}
	s.lk.Unlock()

	if !wasRunning {
		s.dispatchCancel()
		return nil
	}

	if drain > 0 && drained != nil {
		timer := time.NewTimer(drain)
		select {
		case <-drained:
		case <-timer.C:
			s.logger.Warn("drain timeout elapsed, force-closing connections")
		}
		timer.Stop()
	}

	// Cut the connections first so callers observe a transport failure,
	// then abort whatever is still dispatching into dead sockets.
	s.lk.Lock()
	forced := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.running = false
	s.lk.Unlock()
	s.dispatchCancel()

	if forced > 0 {
		s.msink.IncrCounterWithLabels(MetricServerForcedCloseCount, float32(forced), s.cfg.metricLabels)
	}

	s.acceptWG.Wait()
	s.connWG.Wait()

	s.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// lockedInvoker serializes concurrent remote calls into one shared
// service instance so they cannot race on host-application state.
type lockedInvoker struct {
	lk    sync.Mutex
	inner Invoker
}

func (li *lockedInvoker) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	li.lk.Lock()
	defer li.lk.Unlock()
	return li.inner.Invoke(ctx, method, args, kwargs)
}

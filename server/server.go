// Package server exposes the bus over a bidirectional gRPC stream and
// multiplexes HTTP (metrics, admin) on the same port. It is boundary glue:
// transport events map onto subscription and engine calls, nothing more.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/engine"
	"github.com/deltabus/deltabus/transport"
)

// ServiceName is the gRPC service the bus registers.
const ServiceName = "deltabus.v1.Bus"

// Config holds the listener settings.
type Config struct {
	BindAddress string
	Port        int
}

// BusServer terminates subscriber connections.
type BusServer struct {
	config Config
	engine *engine.Engine

	server   *grpc.Server
	listener net.Listener
	mux      cmux.CMux
	httpSrv  *http.Server

	metricsHandler http.Handler
	adminHandler   http.Handler

	nextConn atomic.Uint64
}

// NewBusServer creates a server over the given engine.
func NewBusServer(config Config, eng *engine.Engine) *BusServer {
	return &BusServer{
		config: config,
		engine: eng,
	}
}

// SetMetricsHandler installs the Prometheus handler served at /metrics.
func (s *BusServer) SetMetricsHandler(handler http.Handler) {
	s.metricsHandler = handler
}

// SetAdminHandler installs the admin API served under /admin/.
func (s *BusServer) SetAdminHandler(handler http.Handler) {
	s.adminHandler = handler
}

// serviceDesc is hand-written: the wire protocol is msgpack frames, so no
// generated bindings exist. Clients dial with
// grpc.CallContentSubtype(CodecName) and open the Stream method.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*BusServer).handleStream(stream)
}

// streamLogInterceptor records stream duration and outcome.
func streamLogInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	log.Debug().
		Str("method", info.FullMethod).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Stream finished")
	return err
}

// Start begins serving gRPC and HTTP on one port.
func (s *BusServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100MB
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainStreamInterceptor(streamLogInterceptor),
	)

	s.server.RegisterService(&serviceDesc, s)

	log.Info().Str("address", addr).Msg("Starting bus server")

	// Multiplex HTTP (metrics + admin) and gRPC on the same port.
	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	httpMux := http.NewServeMux()
	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.adminHandler != nil {
		httpMux.Handle("/admin/", http.StripPrefix("/admin", s.adminHandler))
		log.Info().Msg("Admin API enabled at /admin")
	}

	s.httpSrv = &http.Server{Handler: httpMux}

	go func() {
		if err := s.httpSrv.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil {
			log.Debug().Err(err).Msg("cmux serve ended")
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *BusServer) Stop() {
	if s.server != nil {
		log.Info().Msg("Stopping bus server")
		s.server.GracefulStop()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}

// connState tracks what one connection has bound so disconnects clean up.
type connState struct {
	mu           sync.Mutex
	subscriberID string
	attached     bool
}

func (c *connState) bound() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriberID, c.attached
}

func (s *BusServer) handleStream(stream grpc.ServerStream) error {
	connID := fmt.Sprintf("conn-%d", s.nextConn.Add(1))
	state := &connState{}
	writer := newStreamWriter(stream)

	log.Debug().Str("conn", connID).Msg("Stream opened")

	recvErr := make(chan error, 1)
	go func() {
		for {
			var msg transport.Message
			if err := stream.RecvMsg(&msg); err != nil {
				recvErr <- err
				return
			}
			s.handleMessage(connID, state, writer, &msg)
		}
	}()

	var reason string
	select {
	case <-writer.closed:
		// Server-side close (unsubscribe, send failure, shutdown): the
		// drain loop already detached the subscriber.
		reason = "closed"
	case err := <-recvErr:
		reason = "connection_lost"
		if subID, attached := state.bound(); attached {
			s.engine.Detach(subID, reason)
		}
		log.Debug().Err(err).Str("conn", connID).Msg("Stream receive ended")
	}

	log.Debug().Str("conn", connID).Str("reason", reason).Msg("Stream closed")
	return nil
}

func (s *BusServer) handleMessage(connID string, state *connState, writer *streamWriter, msg *transport.Message) {
	switch msg.Type {
	case transport.MsgSubscribe:
		s.handleSubscribe(connID, state, writer, msg)

	case transport.MsgUnsubscribe:
		if subID, attached := state.bound(); attached && subID == msg.SubscriberID {
			s.engine.Detach(subID, "unsubscribe")
		}

	case transport.MsgAck:
		if sub, ok := s.engine.Subscriptions().Get(msg.SubscriberID); ok {
			sub.Ack(msg.Table, msg.CycleID)
		}

	case transport.MsgSnapshotRequest:
		if _, err := s.engine.Resnapshot(msg.Table); err != nil {
			writer.sendError(err)
		}

	default:
		log.Warn().
			Str("conn", connID).
			Uint8("type", uint8(msg.Type)).
			Msg("Unrecognized control message")
	}
}

func (s *BusServer) handleSubscribe(connID string, state *connState, writer *streamWriter, msg *transport.Message) {
	if msg.SubscriberID == "" {
		writer.sendError(fmt.Errorf("subscribe requires a subscriber id"))
		return
	}

	_, err := s.engine.Subscriptions().Subscribe(msg.SubscriberID, connID, msg.Patterns)
	if err != nil {
		writer.sendError(err)
		return
	}

	state.mu.Lock()
	alreadyAttached := state.attached
	state.subscriberID = msg.SubscriberID
	state.mu.Unlock()

	if alreadyAttached {
		// Idempotent re-subscribe: filters replaced, stream unchanged.
		return
	}

	if err := s.engine.Attach(msg.SubscriberID, writer); err != nil {
		writer.sendError(err)
		s.engine.Subscriptions().Unsubscribe(msg.SubscriberID)
		return
	}

	state.mu.Lock()
	state.attached = true
	state.mu.Unlock()
}

// streamWriter adapts a gRPC server stream to transport.SubscriberStream.
// SendMsg is serialized: the drain loop and control replies share it.
type streamWriter struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	closed chan struct{}
	once   sync.Once
}

func newStreamWriter(stream grpc.ServerStream) *streamWriter {
	return &streamWriter{
		stream: stream,
		closed: make(chan struct{}),
	}
}

func (w *streamWriter) Send(ctx context.Context, env *bus.DeltaEnvelope) error {
	select {
	case <-w.closed:
		return fmt.Errorf("stream closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.SendMsg(&transport.Message{
		Type:     transport.MsgEnvelope,
		Table:    env.TableName,
		CycleID:  env.CycleID,
		Envelope: env,
	})
}

func (w *streamWriter) Close(reason string) error {
	w.once.Do(func() {
		w.mu.Lock()
		_ = w.stream.SendMsg(&transport.Message{
			Type:   transport.MsgDisconnect,
			Reason: reason,
		})
		w.mu.Unlock()
		close(w.closed)
	})
	return nil
}

func (w *streamWriter) sendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.stream.SendMsg(&transport.Message{
		Type:   transport.MsgError,
		Reason: err.Error(),
	})
}

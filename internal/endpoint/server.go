package endpoint

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tarkalabs/reliabletransport/internal/cipher"
	"github.com/tarkalabs/reliabletransport/internal/corelib"
	"github.com/tarkalabs/reliabletransport/internal/logging"
	"github.com/tarkalabs/reliabletransport/internal/session"
	"github.com/tarkalabs/reliabletransport/internal/transport"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

// connSeedCounter hands out a distinct PRNG seed to each connection
// handler goroutine, so simulated packet loss doesn't share one
// math/rand.Rand across goroutines (rand.Rand is not safe for concurrent
// use, unlike the package-level default source).
var connSeedCounter int64

func nextConnSeed() int64 {
	return time.Now().UnixNano() + atomic.AddInt64(&connSeedCounter, 1)
}

// ServerConfig holds the server's configured defaults, mutable at runtime
// via the "error"/"window"/"mode" REPL commands (spec.md §6).
type ServerConfig struct {
	WindowSize            int
	Mode                  wire.OperationMode
	MaxMessageSize        int
	PacketLossProbability float64
}

// Server is the C5 responder: binds a listener and spawns one handler
// goroutine per accepted connection, each owning a session.Peer and a
// transport.Engine.
type Server struct {
	listener net.Listener
	cfg      ServerConfig
	registry *session.Registry
	worker   *corelib.Worker
	log      *log.Logger

	// OnMessage is invoked with the fully assembled, decrypted
	// application message from a peer once delivery completes.
	OnMessage func(peerID string, message string)
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = wire.ModeGoBackN
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen %s: %w", addr, err)
	}
	return &Server{
		listener: ln,
		cfg:      cfg,
		registry: session.NewRegistry(),
		worker:   corelib.NewWorker(),
		log:      logging.New("server"),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Config returns a copy of the server's current runtime configuration.
func (s *Server) Config() ServerConfig {
	return s.cfg
}

// SetWindowSize updates the window size new connections are handshaken
// with (the "window <1..5>" REPL command).
func (s *Server) SetWindowSize(n int) {
	if n >= 1 && n <= 5 {
		s.cfg.WindowSize = n
	}
}

// SetMode updates the operation mode new connections are handshaken with
// (the "mode <...>" REPL command).
func (s *Server) SetMode(m wire.OperationMode) {
	s.cfg.Mode = m
}

// SetPacketLossProbability updates simulated receive-side loss (the
// "error <prob>" REPL command).
func (s *Server) SetPacketLossProbability(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	s.cfg.PacketLossProbability = p
}

// Peers returns a snapshot of connected peer sessions.
func (s *Server) Peers() []*session.Peer {
	return s.registry.List()
}

// Serve accepts connections until the server is stopped. It blocks.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.worker.HaltCh():
				return nil
			default:
			}
			return err
		}
		s.worker.Go(func() { s.handleConn(conn) })
	}
}

// Stop closes the listener and every connected peer, then waits for
// handler goroutines to finish.
func (s *Server) Stop() {
	s.worker.Halt()
	s.listener.Close()
	for _, p := range s.registry.List() {
		p.Close()
	}
	s.worker.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	peer := session.New(conn.RemoteAddr().String())
	s.registry.Add(peer)
	defer s.registry.Remove(peer.ID)
	defer peer.Close()

	plog := logging.New("server").WithPrefix(fmt.Sprintf("peer:%s", peer.ID.String()))
	plog.Info("connected", "addr", peer.Address)

	rng := rand.New(rand.NewSource(nextConnSeed()))

	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			if errors.Is(err, wire.ErrDecode) {
				plog.Warn("dropping undecodable frame", "err", err)
				continue
			}
			plog.Info("disconnected", "err", err)
			return
		}

		if s.cfg.PacketLossProbability > 0 && rng.Float64() < s.cfg.PacketLossProbability {
			plog.Debug("simulated loss, dropping frame", "kind", msg.Kind, "seq", msg.Sequence)
			continue
		}

		switch msg.Kind {
		case wire.KindHandshakeReq:
			s.handleHandshake(conn, peer, msg, plog)
		case wire.KindData, wire.KindAck, wire.KindNack, wire.KindWindowUpdate:
			if !peer.HandshakeCompleted() {
				plog.Warn("frame before handshake, dropping", "kind", msg.Kind)
				continue
			}
			peer.Engine().Receive(msg)
		default:
			plog.Debug("ignoring frame", "kind", msg.Kind)
		}
	}
}

func (s *Server) handleHandshake(conn net.Conn, peer *session.Peer, req wire.Message, plog *log.Logger) {
	maxSize := req.IntMeta("max_message_size")
	if maxSize < MinMessageSize {
		resp := wire.HandshakeRejected(fmt.Sprintf("max_message_size must be >= %d", MinMessageSize))
		wire.Encode(conn, resp)
		return
	}

	mode := wire.OperationMode(req.StringMeta("operation_mode"))
	if mode == "" {
		mode = s.cfg.Mode
	}

	var cm *cipher.Manager
	if req.BoolMeta("encryption_enabled") {
		var err error
		cm, err = cipher.FromKeyMaterialString(req.StringMeta("encryption_key"))
		if err != nil {
			resp := wire.HandshakeRejected("invalid encryption key material")
			wire.Encode(conn, resp)
			return
		}
	}

	windowSize := s.cfg.WindowSize
	engine := transport.New(mode, windowSize, 0,
		func(m wire.Message) {
			if err := wire.Encode(conn, m); err != nil {
				plog.Warn("write failed", "err", err)
			}
		},
		func(payload string, isFinal bool) { s.deliverToPeer(peer, payload, isFinal, plog) },
		transport.WithLogger(plog),
	)
	engine.Start()
	peer.CompleteHandshake(engine, maxSize, mode, windowSize, cm)

	resp := wire.HandshakeAccepted(windowSize, mode)
	if err := wire.Encode(conn, resp); err != nil {
		plog.Warn("failed to send handshake response", "err", err)
		return
	}
	plog.Info("handshake accepted", "window_size", windowSize, "mode", mode, "encrypted", cm != nil)
}

func (s *Server) deliverToPeer(peer *session.Peer, payload string, isFinal bool, plog *log.Logger) {
	message, ok := peer.AppendFragment(payload, isFinal)
	if !ok {
		return
	}
	if cm := peer.Cipher(); cm != nil {
		plain, err := cm.Decrypt(message)
		if err != nil {
			plog.Warn("decrypt failed", "err", err)
			return
		}
		message = plain
	}
	plog.Info("message assembled", "length", len(message))
	if s.OnMessage != nil {
		s.OnMessage(peer.ID.String(), message)
	}
}

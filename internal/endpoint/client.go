// Package endpoint implements the client (initiator) and server
// (responder) state machines (C5): substrate connection lifecycle,
// handshake negotiation, message fragmentation/assembly, and wiring the
// reliable-transport engine to a real net.Conn substrate.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tarkalabs/reliabletransport/internal/checksum"
	"github.com/tarkalabs/reliabletransport/internal/cipher"
	"github.com/tarkalabs/reliabletransport/internal/corelib"
	"github.com/tarkalabs/reliabletransport/internal/faultinject"
	"github.com/tarkalabs/reliabletransport/internal/logging"
	"github.com/tarkalabs/reliabletransport/internal/transport"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

// MinMessageSize and DefaultMaxMessageSize are spec.md §6's negotiated
// bounds on a single application message.
const (
	MinMessageSize        = 30
	DefaultMaxMessageSize = 100
	HandshakeTimeout      = 10 * time.Second
	DefaultPacketCap      = 4
)

// ErrWindowFull is returned by SendMessage when the engine's window fills
// mid-message; the remaining fragments are abandoned per spec.md §4.5.
var ErrWindowFull = errors.New("endpoint: window full, message aborted")

// ErrHandshakeRejected / ErrHandshakeTimeout report the two terminal
// handshake failure modes spec.md §4.5 and §7 describe.
var (
	ErrHandshakeRejected = errors.New("endpoint: handshake rejected")
	ErrHandshakeTimeout  = errors.New("endpoint: handshake timed out")
)

// ClientConfig configures a Client's handshake request and send-side
// behavior.
type ClientConfig struct {
	MaxMessageSize int
	Mode           wire.OperationMode
	Encrypt        bool
	ChunkSize      int
	PaceDelay      time.Duration
	Injector       *faultinject.Injector
	// Deliver receives every application message the server sends back
	// (this protocol is bidirectional; either side may originate data).
	Deliver func(message string)
}

// Client is the C5 initiator: connects the substrate, performs the
// handshake, and drives a transport.Engine over the connection.
type Client struct {
	conn   net.Conn
	cfg    ClientConfig
	worker *corelib.Worker
	log    *log.Logger

	engine *transport.Engine
	cipher *cipher.Manager

	windowSize int
	mode       wire.OperationMode

	handshakeResp chan wire.Message
	assembled     string
}

// Dial connects to addr and returns an unhandshaken Client; call
// Handshake next.
func Dial(addr string, cfg ClientConfig) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", addr, err)
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > DefaultPacketCap {
		cfg.ChunkSize = DefaultPacketCap
	}
	if cfg.Mode == "" {
		cfg.Mode = wire.ModeGoBackN
	}
	c := &Client{
		conn:          conn,
		cfg:           cfg,
		worker:        corelib.NewWorker(),
		log:           logging.New("client"),
		handshakeResp: make(chan wire.Message, 1),
	}
	c.worker.Go(c.receiveLoop)
	return c, nil
}

// Handshake sends HANDSHAKE_REQ and blocks until the server responds or
// HandshakeTimeout elapses, instantiating the transport engine on
// success.
func (c *Client) Handshake(ctx context.Context) error {
	var keyMaterial string
	if c.cfg.Encrypt {
		mgr, material, err := cipher.NewManager()
		if err != nil {
			return fmt.Errorf("endpoint: generate cipher key: %w", err)
		}
		c.cipher = mgr
		keyMaterial = material
	}

	req := wire.HandshakeRequest(c.cfg.MaxMessageSize, c.cfg.Mode, c.cfg.Encrypt, keyMaterial)
	if err := wire.Encode(c.conn, req); err != nil {
		return fmt.Errorf("endpoint: send handshake: %w", err)
	}

	select {
	case resp := <-c.handshakeResp:
		if !resp.Accepted() {
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.ErrorMessage())
		}
		c.windowSize = resp.WindowSize
		c.mode = wire.OperationMode(resp.StringMeta("operation_mode"))
		if c.mode == "" {
			c.mode = c.cfg.Mode
		}
		c.engine = transport.New(c.mode, c.windowSize, 0, c.emit, c.onDeliver, transport.WithLogger(logging.New("engine-client")))
		c.engine.Start()
		c.log.Info("handshake accepted", "window_size", c.windowSize, "mode", c.mode)
		return nil
	case <-time.After(HandshakeTimeout):
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) emit(m wire.Message) {
	if err := wire.Encode(c.conn, m); err != nil {
		c.log.Warn("write failed", "err", err)
	}
}

func (c *Client) onDeliver(payload string, isFinal bool) {
	c.assembled += payload
	if !isFinal {
		return
	}
	message := c.assembled
	c.assembled = ""
	if c.cipher != nil {
		plain, err := c.cipher.Decrypt(message)
		if err != nil {
			c.log.Warn("decrypt failed", "err", err)
			return
		}
		message = plain
	}
	if c.cfg.Deliver != nil {
		c.cfg.Deliver(message)
	}
}

func (c *Client) receiveLoop() {
	halt := c.worker.HaltCh()
	for {
		select {
		case <-halt:
			return
		default:
		}
		msg, err := wire.Decode(c.conn)
		if err != nil {
			select {
			case <-halt:
				return
			default:
			}
			if errors.Is(err, wire.ErrDecode) {
				c.log.Warn("dropping undecodable frame", "err", err)
				continue
			}
			c.log.Warn("decode failed, closing", "err", err)
			return
		}
		if msg.Kind == wire.KindHandshakeResp {
			select {
			case c.handshakeResp <- msg:
			default:
			}
			continue
		}
		if c.engine != nil {
			c.engine.Receive(msg)
		}
	}
}

// SendMessage fragments message and feeds it to the engine, enforcing
// spec.md §4.5's length bounds and optionally encrypting and corrupting
// fragments via the configured injector.
func (c *Client) SendMessage(message string) error {
	if len(message) < MinMessageSize {
		return fmt.Errorf("endpoint: message too short (%d < %d)", len(message), MinMessageSize)
	}
	if len(message) > c.cfg.MaxMessageSize {
		return fmt.Errorf("endpoint: message too long (%d > %d)", len(message), c.cfg.MaxMessageSize)
	}

	if c.cipher != nil {
		enc, err := c.cipher.Encrypt(message)
		if err != nil {
			return fmt.Errorf("endpoint: encrypt: %w", err)
		}
		message = enc
	}

	packets := checksum.Split(message, c.cfg.ChunkSize)
	last := len(packets) - 1
	for i, packet := range packets {
		wirePacket := packet
		if c.cfg.Injector != nil {
			wirePacket = c.cfg.Injector.Apply(i, packet)
		}
		// The checksum is stamped on packet (clean); wirePacket (possibly
		// corrupted) is only what goes out on this first transmission.
		if !c.engine.SendDataCorrupted(packet, wirePacket, i == last) {
			return ErrWindowFull
		}
		if c.cfg.PaceDelay > 0 && i != last {
			time.Sleep(c.cfg.PaceDelay)
		}
	}
	return nil
}

// Stats returns the client engine's statistics snapshot.
func (c *Client) Stats() transport.Stats {
	if c.engine == nil {
		return transport.Stats{}
	}
	return c.engine.Stats()
}

// Close stops the engine, halts the receive loop, and closes the
// substrate connection.
func (c *Client) Close() error {
	if c.engine != nil {
		c.engine.Stop()
	}
	c.worker.Halt()
	err := c.conn.Close()
	c.worker.Wait()
	if c.cipher != nil {
		c.cipher.Destroy()
	}
	return err
}

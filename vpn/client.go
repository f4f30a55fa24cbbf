// Package vpn implements the client side of the OpenVPN protocol engine:
// negotiating a secure session with an OpenVPN 2.3+ server, establishing a
// TLS-protected control channel, deriving symmetric data-plane keys, and
// encrypting/decrypting IP packets flowing between this package's Read/Write
// surface and the network link.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/networkio"
)

// Logger is the minimal logging interface Options.Log accepts; it's an
// alias of [model.Logger] so callers needn't import the internal package
// to supply one.
type Logger = model.Logger

// TunnelInterface is the capability set ServeTunnel pumps packets through;
// an alias of [model.TunnelInterface] so callers can implement it without
// importing the internal package.
type TunnelInterface = model.TunnelInterface

// defaultLogger is the Logger used when Options.Log is nil.
type defaultLogger = model.DefaultLogger

// logger is the package-level fallback used by helpers that run before a
// Client exists (e.g. Dial's connection errors). Tests may swap it out.
var logger Logger = defaultLogger{}

// Event re-exports [model.Event] and its variants so callers of this
// package don't need to import internal/model directly.
type (
	Event                       = model.Event
	EventStarted                = model.EventStarted
	EventStopped                = model.EventStopped
	EventStatusChanged          = model.EventStatusChanged
	EventPeerVerificationFailed = model.EventPeerVerificationFailed
)

// Client is a connected OpenVPN session: negotiate once with Start, then
// Read/Write IP packets like any net.Conn until Close. The zero value is
// not usable; construct with NewClientFromOptions or Dial.
type Client struct {
	conn net.Conn
	opts *Options

	eng *engine
}

// NewClientFromOptions returns a Client configured from opts but not yet
// dialed or started. A nil opts returns a zero Client; any configuration
// problem surfaces from Start instead.
func NewClientFromOptions(opts *Options) *Client {
	c := &Client{}
	if opts == nil {
		return c
	}
	c.opts = opts
	if opts.Log != nil {
		logger = opts.Log
	}
	return c
}

// Dial connects to opts.Remote:opts.Port over opts.Proto and returns a
// Client ready to Start. The network connection is established but no
// OpenVPN negotiation has happened yet.
func Dial(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", errBadInput)
	}
	if opts.Remote == "" || opts.Port == "" {
		return nil, fmt.Errorf("%w: missing remote/port", errBadCfg)
	}
	addr := net.JoinHostPort(opts.Remote, opts.Port)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, opts.Proto.network(), addr)
	if err != nil {
		return nil, err
	}
	c := NewClientFromOptions(opts)
	c.conn = conn
	return c, nil
}

// Start performs the full handshake: hard reset, TLS, credential
// exchange, push-reply negotiation. It returns once the
// session reaches S_CONNECTED or fails. Events() carries the same
// Started/Stopped/StatusChanged/PeerVerificationFailed notifications for
// the remainder of the Client's life.
func (c *Client) Start(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not dialed", errBadInput)
	}
	config, err := c.opts.toConfig()
	if err != nil {
		return err
	}

	mtu := c.opts.MTU
	var link model.LinkInterface
	if c.opts.Proto == TCPMode {
		link = networkio.NewTCPLink(c.conn, mtu)
	} else {
		link = networkio.NewUDPLink(c.conn, mtu)
	}

	eng, err := newEngine(config, link)
	if err != nil {
		return err
	}
	c.eng = eng

	traceID := uuid.New().String()
	logger.Infof("[%s] starting session to %s", traceID, c.RemoteAddr())
	if err := eng.Start(); err != nil {
		return err
	}

	for {
		select {
		case ev := <-eng.Events():
			switch e := ev.(type) {
			case model.EventStarted:
				return nil
			case model.EventStopped:
				if e.Reason != nil {
					return e.Reason
				}
				return errors.New("vpn: session stopped before connecting")
			}
		case <-ctx.Done():
			eng.Stop()
			return ctx.Err()
		}
	}
}

// Events returns the channel carrying session lifecycle notifications.
// Only meaningful after Start has been called.
func (c *Client) Events() <-chan model.Event {
	if c.eng == nil {
		ch := make(chan model.Event)
		close(ch)
		return ch
	}
	return c.eng.Events()
}

// Write encrypts b as one data-channel packet and sends it over the
// tunnel.
func (c *Client) Write(b []byte) (int, error) {
	if c.eng == nil {
		return 0, fmt.Errorf("%w: session not started", errBadInput)
	}
	cp := append([]byte{}, b...)
	select {
	case c.eng.tunToData <- cp:
		return len(b), nil
	case <-c.eng.ctx.Done():
		return 0, net.ErrClosed
	}
}

// Read returns the next decrypted IP packet from the tunnel, blocking
// until one arrives or the session stops.
func (c *Client) Read(b []byte) (int, error) {
	if c.eng == nil {
		return 0, fmt.Errorf("%w: session not started", errBadInput)
	}
	select {
	case data := <-c.eng.dataToTUN:
		n := copy(b, data)
		return n, nil
	case <-c.eng.ctx.Done():
		return 0, net.ErrClosed
	}
}

// CanRebindLink reports whether the server's push reply assigned a peer
// id, which is what enables swapping the underlying connection without a
// new handshake.
func (c *Client) CanRebindLink() bool {
	if c.eng == nil {
		return false
	}
	return c.eng.canRebindLink()
}

// Rebind swaps in a freshly connected conn (e.g. after roaming to a new
// network), keeping keys and session ids. It fails unless the server
// assigned a peer id (see CanRebindLink).
func (c *Client) Rebind(conn net.Conn) error {
	if c.eng == nil {
		return fmt.Errorf("%w: session not started", errBadInput)
	}
	var link model.LinkInterface
	if c.opts.Proto == TCPMode {
		link = networkio.NewTCPLink(conn, c.opts.MTU)
	} else {
		link = networkio.NewUDPLink(conn, c.opts.MTU)
	}
	if err := c.eng.rebindLink(link); err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// DataCount returns the raw bytes received from and sent to the link so
// far, for owners that surface transfer statistics.
func (c *Client) DataCount() (in, out uint64) {
	if c.eng == nil {
		return 0, 0
	}
	return c.eng.dataCount()
}

// ServeTunnel pumps packets between the connected session and tun:
// decrypted inbound packets are delivered in batches to tun.WritePackets,
// and packets read from tun are encrypted and sent out. It blocks until
// ctx is canceled, the session stops, or the tunnel errors; callers should
// close tun afterwards to unblock its reader.
func (c *Client) ServeTunnel(ctx context.Context, tun TunnelInterface) error {
	if c.eng == nil {
		return fmt.Errorf("%w: session not started", errBadInput)
	}
	errs := make(chan error, 2)

	go func() {
		for {
			pkt, err := tun.ReadPacket()
			if err != nil {
				errs <- err
				return
			}
			if _, err := c.Write(pkt); err != nil {
				errs <- err
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case data := <-c.eng.dataToTUN:
				batch := [][]byte{data}
			drain:
				for {
					select {
					case more := <-c.eng.dataToTUN:
						batch = append(batch, more)
					default:
						break drain
					}
				}
				if err := tun.WritePackets(batch); err != nil {
					errs <- err
					return
				}
			case <-c.eng.ctx.Done():
				errs <- net.ErrClosed
				return
			}
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the session down for good. Idempotent.
func (c *Client) Close() error {
	if c.eng != nil {
		c.eng.Stop()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// LocalAddr returns the local address of the underlying network connection.
func (c *Client) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the OpenVPN server's address.
func (c *Client) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// SetDeadline sets both read and write deadlines on the underlying link.
func (c *Client) SetDeadline(t time.Time) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not dialed", errBadInput)
	}
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying link.
func (c *Client) SetReadDeadline(t time.Time) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not dialed", errBadInput)
	}
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying link.
func (c *Client) SetWriteDeadline(t time.Time) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not dialed", errBadInput)
	}
	return c.conn.SetWriteDeadline(t)
}

var _ net.Conn = &Client{}

package wsengine

import (
	"bufio"
	"net"
	"time"

	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/errd"
)

// DefaultTimeout is the default I/O timeout of a connection.
const DefaultTimeout = 60 * time.Second

// State is the lifecycle state of a Conn.
type State int

// Conn states.
const (
	// StatePending means the opening handshake has not completed.
	StatePending State = iota
	// StateOpen means messages flow in both directions.
	StateOpen
	// StateClosingLocal means a Close was sent and the peer's is awaited.
	StateClosingLocal
	// StateClosingRemote means a Close was received and not yet answered.
	StateClosingRemote
	// StateClosed means the transport is torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing-local"
	case StateClosingRemote:
		return "closing-remote"
	}
	return "closed"
}

// Conn is a WebSocket connection over one transport stream.
//
// A Conn is driven by a single goroutine, normally the run loop of the
// Client or Server that owns it. It is not safe for concurrent use.
type Conn struct {
	id      string
	client  bool
	secure  bool
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	codec   *frameCodec
	asm     assembler
	log     zerolog.Logger

	timeout    time.Duration
	frameSize  int
	middleware middlewareStack

	connected bool
	open      bool
	readable  bool
	writable  bool

	req  *HandshakeRequest
	resp *HandshakeResponse

	// Extension state owned by the built-in middleware.
	compression      *CompressionConfig
	compressionOffer *wsflate.Parameters
	pingNext         time.Time
}

type connConfig struct {
	id         string
	client     bool
	secure     bool
	timeout    time.Duration
	frameSize  int
	readLimit  int64
	middleware middlewareStack
	logger     *zerolog.Logger
}

func newConn(nc net.Conn, cfg connConfig) *Conn {
	if cfg.frameSize == 0 {
		cfg.frameSize = DefaultFrameSize
	}
	if cfg.readLimit == 0 {
		cfg.readLimit = DefaultReadLimit
	}
	logger := cfg.logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	c := &Conn{
		id:         cfg.id,
		client:     cfg.client,
		secure:     cfg.secure,
		netConn:    nc,
		br:         bufio.NewReader(nc),
		bw:         bufio.NewWriter(nc),
		timeout:    cfg.timeout,
		frameSize:  cfg.frameSize,
		middleware: cfg.middleware,
		connected:  true,
		readable:   true,
		writable:   true,
	}
	c.log = logger.With().
		Str("conn", c.id).
		Str("remote", nc.RemoteAddr().String()).
		Logger()
	c.codec = newFrameCodec(c.br, c.bw, c.client)
	c.asm = assembler{
		codec:     c.codec,
		log:       &c.log,
		readLimit: cfg.readLimit,
	}
	return c
}

// ID returns the identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Logger returns the connection's logger.
func (c *Conn) Logger() *zerolog.Logger {
	return &c.log
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// HandshakeRequest returns the upgrade request sent or received,
// nil before the handshake.
func (c *Conn) HandshakeRequest() *HandshakeRequest {
	return c.req
}

// HandshakeResponse returns the upgrade response sent or received,
// nil before the handshake.
func (c *Conn) HandshakeResponse() *HandshakeResponse {
	return c.resp
}

// CompressionConfig returns the negotiated permessage-deflate configuration,
// nil when compression is not in use.
func (c *Conn) CompressionConfig() *CompressionConfig {
	return c.compression
}

// AddMiddleware appends middleware to this connection only.
func (c *Conn) AddMiddleware(mws ...Middleware) {
	c.middleware.add(mws...)
}

// SetTimeout sets the timeout of every read and write. Zero disables it.
func (c *Conn) SetTimeout(d time.Duration) error {
	err := validateTimeout(d)
	if err != nil {
		return err
	}
	c.timeout = d
	return nil
}

// Timeout returns the I/O timeout.
func (c *Conn) Timeout() time.Duration {
	return c.timeout
}

// SetFrameSize sets the maximum payload size of outgoing frames.
func (c *Conn) SetFrameSize(n int) error {
	err := validateFrameSize(n)
	if err != nil {
		return err
	}
	c.frameSize = n
	return nil
}

// FrameSize returns the maximum payload size of outgoing frames.
func (c *Conn) FrameSize() int {
	return c.frameSize
}

// SetReadLimit sets the maximum size of an incoming message after
// decompression. A bigger message fails the connection with
// StatusMessageTooBig. -1 disables the limit.
func (c *Conn) SetReadLimit(n int64) error {
	err := validateReadLimit(n)
	if err != nil {
		return err
	}
	c.asm.readLimit = n
	return nil
}

// ReadLimit returns the maximum size of an incoming message.
func (c *Conn) ReadLimit() int64 {
	return c.asm.readLimit
}

// State returns the lifecycle state of the connection.
func (c *Conn) State() State {
	switch {
	case !c.connected:
		return StateClosed
	case !c.open:
		return StatePending
	case c.readable && c.writable:
		return StateOpen
	case c.readable:
		return StateClosingLocal
	case c.writable:
		return StateClosingRemote
	}
	return StateClosed
}

// IsConnected reports whether the transport is still up.
func (c *Conn) IsConnected() bool {
	return c.connected
}

// IsReadable reports whether messages may still be received.
func (c *Conn) IsReadable() bool {
	return c.connected && c.readable
}

// IsWritable reports whether messages may still be sent.
func (c *Conn) IsWritable() bool {
	return c.connected && c.writable
}

// CloseRead marks the connection as no longer readable.
// The transport is torn down once neither direction is open.
func (c *Conn) CloseRead() {
	c.readable = false
	if !c.writable {
		c.Disconnect()
	}
}

// CloseWrite marks the connection as no longer writable.
// The transport is torn down once neither direction is open.
func (c *Conn) CloseWrite() {
	c.writable = false
	if !c.readable {
		c.Disconnect()
	}
}

// Disconnect closes the transport. It is idempotent.
func (c *Conn) Disconnect() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	c.readable = false
	c.writable = false
	err := c.netConn.Close()
	c.log.Info().Msg("disconnected")
	if err != nil {
		return xerrors.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (c *Conn) setOpen() {
	c.open = true
}

func (c *Conn) setReadDeadline() error {
	if c.timeout <= 0 {
		return c.netConn.SetReadDeadline(time.Time{})
	}
	return c.netConn.SetReadDeadline(time.Now().Add(c.timeout))
}

func (c *Conn) setWriteDeadline() error {
	if c.timeout <= 0 {
		return c.netConn.SetWriteDeadline(time.Time{})
	}
	return c.netConn.SetWriteDeadline(time.Now().Add(c.timeout))
}

// fail tears the connection down when err leaves it unusable.
func (c *Conn) fail(err error) error {
	if Classify(err) == KindConnection {
		c.Disconnect()
	}
	return err
}

// streamError marks a failure of the underlying stream that Classify does
// not recognize, such as a TLS record error, as connection level.
func streamError(err error) error {
	if Classify(err) != KindFatal {
		return err
	}
	return &ConnectionError{Err: err}
}

var errNotConnected = &ConnectionError{Err: xerrors.New("connection is closed")}

// PushMessage sends m through the outgoing middleware and the assembler.
// It returns the message as passed by the middleware.
func (c *Conn) PushMessage(m Message) (_ Message, err error) {
	defer errd.Wrap(&err, "failed to push %v", m)

	if !c.connected {
		return nil, errNotConnected
	}
	if !c.writable {
		return nil, &ConnectionError{Err: xerrors.New("connection is not writable")}
	}

	m, err = c.middleware.outgoingMessage(c, m, func(m Message) (Message, error) {
		err := c.setWriteDeadline()
		if err != nil {
			return nil, err
		}
		err = c.asm.push(m, c.frameSize)
		if err != nil {
			return nil, streamError(err)
		}
		return m, nil
	})
	if err != nil {
		return nil, c.fail(err)
	}
	return m, nil
}

// PullMessage reads the next message through the assembler and the
// incoming middleware. It blocks for at most the connection timeout.
func (c *Conn) PullMessage() (_ Message, err error) {
	defer errd.Wrap(&err, "failed to pull message")

	if !c.connected {
		return nil, errNotConnected
	}

	m, err := c.middleware.incomingMessage(c, func() (Message, error) {
		err := c.setReadDeadline()
		if err != nil {
			return nil, err
		}
		m, err := c.asm.pull()
		return m, streamError(err)
	})
	if err != nil {
		return nil, c.fail(err)
	}
	return m, nil
}

// PushHTTP writes a handshake request or response through the outgoing
// handshake middleware.
func (c *Conn) PushHTTP(m HTTPMessage) (_ HTTPMessage, err error) {
	defer errd.Wrap(&err, "failed to push handshake %v", m)

	if !c.connected {
		return nil, errNotConnected
	}

	m, err = c.middleware.outgoingHandshake(c, m, func(m HTTPMessage) (HTTPMessage, error) {
		err := c.setWriteDeadline()
		if err != nil {
			return nil, err
		}
		err = m.writeHTTP(c.bw)
		if err != nil {
			return nil, streamError(err)
		}
		return m, nil
	})
	if err != nil {
		return nil, c.fail(err)
	}
	c.storeHTTP(m)
	c.log.Debug().Stringer("http", m).Msg("pushed handshake")
	return m, nil
}

// PullHTTP reads a handshake request or response through the incoming
// handshake middleware.
func (c *Conn) PullHTTP() (_ HTTPMessage, err error) {
	defer errd.Wrap(&err, "failed to pull handshake")

	if !c.connected {
		return nil, errNotConnected
	}

	m, err := c.middleware.incomingHandshake(c, func() (HTTPMessage, error) {
		err := c.setReadDeadline()
		if err != nil {
			return nil, err
		}
		m, err := readHTTP(c.br, c.secure)
		return m, streamError(err)
	})
	if err != nil {
		return nil, c.fail(err)
	}
	c.storeHTTP(m)
	c.log.Debug().Stringer("http", m).Msg("pulled handshake")
	return m, nil
}

func (c *Conn) storeHTTP(m HTTPMessage) {
	switch m := m.(type) {
	case *HandshakeRequest:
		c.req = m
	case *HandshakeResponse:
		c.resp = m
	}
}

// Tick runs the tick hooks of the middleware.
func (c *Conn) Tick() error {
	if !c.connected {
		return nil
	}
	err := c.middleware.tick(c)
	if err != nil {
		return c.fail(err)
	}
	return nil
}

// Text sends a Text message.
func (c *Conn) Text(s string) error {
	_, err := c.PushMessage(NewText(s))
	return err
}

// Binary sends a Binary message.
func (c *Conn) Binary(p []byte) error {
	_, err := c.PushMessage(NewBinary(p))
	return err
}

// Ping sends a Ping message.
func (c *Conn) Ping(p []byte) error {
	_, err := c.PushMessage(NewPing(p))
	return err
}

// Pong sends a Pong message.
func (c *Conn) Pong(p []byte) error {
	_, err := c.PushMessage(NewPong(p))
	return err
}

// Close sends a Close message starting the close handshake.
func (c *Conn) Close(code StatusCode, reason string) error {
	_, err := c.PushMessage(NewClose(code, reason))
	return err
}

// buffered reports whether bytes are already read from the transport.
func (c *Conn) buffered() bool {
	return c.br.Buffered() > 0
}

func validateTimeout(d time.Duration) error {
	if d < 0 {
		return xerrors.Errorf("invalid timeout '%v' provided: %w", d, ErrInvalidConfig)
	}
	return nil
}

func validateReadLimit(n int64) error {
	if n < 1 && n != -1 {
		return xerrors.Errorf("invalid readLimit '%d' provided: %w", n, ErrInvalidConfig)
	}
	return nil
}

func validateFrameSize(n int) error {
	if n < 1 {
		return xerrors.Errorf("invalid frameSize '%d' provided: %w", n, ErrInvalidConfig)
	}
	return nil
}

package wsengine

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/atomicint"
	"github.com/coder/wsengine/internal/errd"
)

// ClientOptions represents the options available to NewClient.
type ClientOptions struct {
	// Timeout bounds every read, write and readiness wait.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// FrameSize is the maximum payload size of outgoing frames.
	// Defaults to DefaultFrameSize.
	FrameSize int

	// ReadLimit is the maximum size of an incoming message after
	// decompression. Defaults to DefaultReadLimit; -1 disables it.
	ReadLimit int64

	// Header holds extra handshake request headers. They replace
	// the defaults of the same name.
	Header http.Header

	// TLSConfig is used for wss URIs.
	TLSConfig *tls.Config

	// Dial opens the transport. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Middleware is installed on every connection in order.
	// Nil means DefaultMiddleware.
	Middleware []Middleware

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// maxRedirects bounds reconnects within a single Connect.
const maxRedirects = 16

// Client is a WebSocket client driving a single connection.
type Client struct {
	Handlers

	url        *url.URL
	opts       ClientOptions
	timeout    time.Duration
	frameSize  int
	readLimit  int64
	middleware middlewareStack
	log        zerolog.Logger

	conn    *Conn
	running atomicint.Bool

	newKey func() (string, error)
}

// NewClient returns a client for a ws or wss URI.
// It does not connect; see Connect and Start.
func NewClient(uri string, opts *ClientOptions) (_ *Client, err error) {
	defer errd.Wrap(&err, "failed to create client")

	if opts == nil {
		opts = &ClientOptions{}
	}

	u, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:       u,
		opts:      *opts,
		timeout:   DefaultTimeout,
		frameSize: DefaultFrameSize,
		readLimit: DefaultReadLimit,
		newKey:    newHandshakeKey,
	}
	if opts.Timeout != 0 {
		err = validateTimeout(opts.Timeout)
		if err != nil {
			return nil, err
		}
		c.timeout = opts.Timeout
	}
	if opts.FrameSize != 0 {
		err = validateFrameSize(opts.FrameSize)
		if err != nil {
			return nil, err
		}
		c.frameSize = opts.FrameSize
	}
	if opts.ReadLimit != 0 {
		err = validateReadLimit(opts.ReadLimit)
		if err != nil {
			return nil, err
		}
		c.readLimit = opts.ReadLimit
	}
	for name, values := range opts.Header {
		for _, v := range values {
			if !validHeader(name, v) {
				return nil, xerrors.Errorf("invalid header %q: %w", name, ErrInvalidConfig)
			}
		}
	}

	mws := opts.Middleware
	if mws == nil {
		mws = DefaultMiddleware()
	}
	c.middleware.add(mws...)

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c.log = logger.With().Str("client", redactURL(u)).Logger()
	return c, nil
}

func parseURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.Errorf("invalid URI %q: %v: %w", uri, err, ErrInvalidConfig)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, xerrors.Errorf("invalid URI scheme, must be 'ws' or 'wss': %w", ErrInvalidConfig)
	}
	if u.Hostname() == "" {
		return nil, xerrors.Errorf("invalid URI host: %w", ErrInvalidConfig)
	}
	return u, nil
}

// URL returns the URI the client connects to.
// It follows redirects taken by Connect.
func (c *Client) URL() *url.URL {
	return c.url
}

// AddMiddleware appends middleware used by future connections.
func (c *Client) AddMiddleware(mws ...Middleware) {
	c.middleware.add(mws...)
}

// SetTimeout changes the timeout of the client and its connection.
func (c *Client) SetTimeout(d time.Duration) error {
	err := validateTimeout(d)
	if err != nil {
		return err
	}
	c.timeout = d
	if c.conn != nil {
		return c.conn.SetTimeout(d)
	}
	return nil
}

// SetReadLimit changes the read limit of the client and its connection.
func (c *Client) SetReadLimit(n int64) error {
	err := validateReadLimit(n)
	if err != nil {
		return err
	}
	c.readLimit = n
	if c.conn != nil {
		return c.conn.SetReadLimit(n)
	}
	return nil
}

// SetFrameSize changes the frame size of the client and its connection.
func (c *Client) SetFrameSize(n int) error {
	err := validateFrameSize(n)
	if err != nil {
		return err
	}
	c.frameSize = n
	if c.conn != nil {
		return c.conn.SetFrameSize(n)
	}
	return nil
}

// Conn returns the current connection, nil when disconnected.
func (c *Client) Conn() *Conn {
	return c.conn
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// IsRunning reports whether Start is looping.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// handshakeOutcome is the result of one connection attempt.
// Exactly one of conn and redirect is set.
type handshakeOutcome struct {
	conn     *Conn
	redirect *url.URL
}

// Connect opens the connection and performs the opening handshake,
// following redirects raised by middleware. An existing connection is
// closed first.
func (c *Client) Connect(ctx context.Context) (err error) {
	defer errd.Wrap(&err, "failed to connect to %q", redactURL(c.url))

	c.Disconnect()

	u := c.url
	for i := 0; ; i++ {
		if i > maxRedirects {
			return handshakeErrorf(0, nil, "too many redirects")
		}
		out, err := c.handshake(ctx, u)
		if err != nil {
			return err
		}
		if out.redirect != nil {
			u = out.redirect
			continue
		}

		c.url = u
		c.conn = out.conn
		c.log.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("connected")
		return c.dispatchHandshake(c.conn)
	}
}

func (c *Client) handshake(ctx context.Context, u *url.URL) (handshakeOutcome, error) {
	nc, err := c.dial(ctx, u)
	if err != nil {
		return handshakeOutcome{}, &ConnectionError{Err: err}
	}

	conn := newConn(nc, connConfig{
		id:         nc.RemoteAddr().String(),
		client:     true,
		secure:     u.Scheme == "wss",
		timeout:    c.timeout,
		frameSize:  c.frameSize,
		readLimit:  c.readLimit,
		middleware: c.middleware.clone(),
		logger:     &c.log,
	})

	key, err := c.newKey()
	if err != nil {
		conn.Disconnect()
		return handshakeOutcome{}, err
	}

	_, err = conn.PushHTTP(newClientRequest(u, key, c.opts.Header))
	if err != nil {
		conn.Disconnect()
		return handshakeOutcome{}, err
	}

	m, err := conn.PullHTTP()
	if err != nil {
		conn.Disconnect()
		var redirect *RedirectError
		if xerrors.As(err, &redirect) {
			return handshakeOutcome{redirect: redirect.URL}, nil
		}
		return handshakeOutcome{}, err
	}

	resp, ok := m.(*HandshakeResponse)
	if !ok {
		conn.Disconnect()
		return handshakeOutcome{}, handshakeErrorf(0, nil, "expected handshake response but got %v", m)
	}
	err = verifyServerResponse(u, resp, key)
	if err != nil {
		conn.Disconnect()
		return handshakeOutcome{}, err
	}

	conn.setOpen()
	return handshakeOutcome{conn: conn}, nil
}

func (c *Client) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" {
			port = "443"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dial := c.opts.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %v: %w", addr, err)
	}
	if u.Scheme != "wss" {
		return nc, nil
	}

	cfg := c.opts.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	tc := tls.Client(nc, cfg)
	err = tc.HandshakeContext(ctx)
	if err != nil {
		nc.Close()
		return nil, xerrors.Errorf("failed TLS handshake with %v: %w", addr, err)
	}
	return tc, nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	return c.Connect(ctx)
}

// Send pushes m on the connection, connecting first when needed.
func (c *Client) Send(ctx context.Context, m Message) (Message, error) {
	err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	return c.conn.PushMessage(m)
}

// Receive pulls the next message, connecting first when needed.
// No handler is called.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	return c.conn.PullMessage()
}

// Text sends a Text message.
func (c *Client) Text(ctx context.Context, s string) error {
	_, err := c.Send(ctx, NewText(s))
	return err
}

// Binary sends a Binary message.
func (c *Client) Binary(ctx context.Context, p []byte) error {
	_, err := c.Send(ctx, NewBinary(p))
	return err
}

// Ping sends a Ping message.
func (c *Client) Ping(ctx context.Context, p []byte) error {
	_, err := c.Send(ctx, NewPing(p))
	return err
}

// Pong sends a Pong message.
func (c *Client) Pong(ctx context.Context, p []byte) error {
	_, err := c.Send(ctx, NewPong(p))
	return err
}

// Close starts the close handshake on the current connection.
func (c *Client) Close(code StatusCode, reason string) error {
	if !c.IsConnected() {
		return nil
	}
	return c.conn.Close(code, reason)
}

// Disconnect tears down the connection without a close handshake.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	err := conn.Disconnect()
	herr := c.dispatchDisconnect(conn)
	if err != nil {
		return err
	}
	return herr
}

// Stop makes Start return after the current pass.
// It may be called from any goroutine.
func (c *Client) Stop() {
	c.running.Store(false)
}

func (c *Client) stopped() bool {
	return !c.running.Load()
}

// Start connects when needed and runs the event loop until Stop is called,
// the connection is gone or ctx is done. Only fatal errors and ctx errors
// are returned; everything else is dispatched to OnError.
func (c *Client) Start(ctx context.Context) error {
	err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	c.running.Store(true)
	defer c.running.Store(false)
	c.log.Info().Msg("client running")
	defer c.log.Info().Msg("client stopped")

	for c.running.Load() {
		err = c.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	return nil
}

// step runs a single pass of the event loop.
func (c *Client) step(ctx context.Context) error {
	conn := c.conn
	if conn == nil {
		c.running.Store(false)
		return nil
	}

	r, err := waitReady(ctx, []*Conn{conn}, nil, c.timeout, c.stopped)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		err = c.handle(conn, err)
		if err != nil {
			return err
		}
	}
	for r.conns.Length() > 0 {
		ready := r.conns.Remove().(*Conn)
		err = c.handle(ready, c.receive(ready))
		if err != nil {
			return err
		}
	}

	if !conn.IsConnected() {
		c.running.Store(false)
	}
	err = c.handle(conn, conn.Tick())
	if err != nil {
		return err
	}
	if c.conn != nil && !c.conn.IsConnected() {
		err = c.handle(conn, c.Disconnect())
		if err != nil {
			return err
		}
	}
	return c.handle(nil, c.dispatchTick())
}

func (c *Client) receive(conn *Conn) error {
	m, err := conn.PullMessage()
	if err != nil {
		return err
	}
	return c.dispatchMessage(conn, m)
}

// handle applies the recovery action for err and returns err when
// it is fatal.
func (c *Client) handle(conn *Conn, err error) error {
	switch Classify(err) {
	case KindNone:
		return nil
	case KindMessage:
		c.log.Error().Err(err).Msg("message failed")
		c.dispatchError(conn, err)
		return nil
	case KindConnection, KindHandshake, KindUsage, KindReconnect:
		c.log.Error().Err(err).Msg("connection failed")
		if conn != nil {
			conn.Disconnect()
		}
		c.running.Store(false)
		c.dispatchError(conn, err)
		return nil
	}
	if conn != nil {
		conn.Disconnect()
	}
	return err
}

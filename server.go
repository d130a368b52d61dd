package wsengine

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/atomicint"
	"github.com/coder/wsengine/internal/errd"
)

// ServerOptions represents the options available to NewServer and Listen.
type ServerOptions struct {
	// Timeout bounds every read, write and readiness wait.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// FrameSize is the maximum payload size of outgoing frames.
	// Defaults to DefaultFrameSize.
	FrameSize int

	// ReadLimit is the maximum size of an incoming message after
	// decompression. Defaults to DefaultReadLimit; -1 disables it.
	ReadLimit int64

	// MaxConnections caps the number of open connections.
	// Zero means no cap.
	MaxConnections int

	// AcceptLimiter, when set, rejects accepted streams that exceed its rate.
	AcceptLimiter *rate.Limiter

	// TLSConfig makes the server speak wss.
	TLSConfig *tls.Config

	// Middleware is installed on every connection in order.
	// Nil means DefaultMiddleware.
	Middleware []Middleware

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Server is a WebSocket server multiplexing many connections on one
// run loop.
type Server struct {
	Handlers

	ln         net.Listener
	opts       ServerOptions
	timeout    time.Duration
	frameSize  int
	readLimit  int64
	maxConns   int
	middleware middlewareStack
	log        zerolog.Logger

	// conns holds the open connections in accept order.
	conns    []*Conn
	byID     map[string]*Conn
	admitted bool

	running atomicint.Bool
	seq     atomicint.Int64
}

// Listen listens on the TCP network address addr and returns a server
// accepting on it.
func Listen(addr string, opts *ServerOptions) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen on %q: %w", addr, err)
	}
	s, err := NewServer(ln, opts)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return s, nil
}

// NewServer returns a server accepting on ln.
func NewServer(ln net.Listener, opts *ServerOptions) (_ *Server, err error) {
	defer errd.Wrap(&err, "failed to create server")

	if opts == nil {
		opts = &ServerOptions{}
	}

	s := &Server{
		ln:        ln,
		opts:      *opts,
		timeout:   DefaultTimeout,
		frameSize: DefaultFrameSize,
		readLimit: DefaultReadLimit,
		byID:      map[string]*Conn{},
		admitted:  true,
	}
	if opts.Timeout != 0 {
		err = validateTimeout(opts.Timeout)
		if err != nil {
			return nil, err
		}
		s.timeout = opts.Timeout
	}
	if opts.FrameSize != 0 {
		err = validateFrameSize(opts.FrameSize)
		if err != nil {
			return nil, err
		}
		s.frameSize = opts.FrameSize
	}
	if opts.ReadLimit != 0 {
		err = validateReadLimit(opts.ReadLimit)
		if err != nil {
			return nil, err
		}
		s.readLimit = opts.ReadLimit
	}
	err = s.SetMaxConnections(opts.MaxConnections)
	if err != nil {
		return nil, err
	}

	mws := opts.Middleware
	if mws == nil {
		mws = DefaultMiddleware()
	}
	s.middleware.add(mws...)

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s.log = logger.With().Str("server", ln.Addr().String()).Logger()
	return s, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// AddMiddleware appends middleware used by connections accepted from now on.
func (s *Server) AddMiddleware(mws ...Middleware) {
	s.middleware.add(mws...)
}

// SetTimeout changes the timeout of the server and all its connections.
func (s *Server) SetTimeout(d time.Duration) error {
	err := validateTimeout(d)
	if err != nil {
		return err
	}
	s.timeout = d
	for _, c := range s.conns {
		c.SetTimeout(d)
	}
	return nil
}

// SetFrameSize changes the frame size of the server and all its connections.
func (s *Server) SetFrameSize(n int) error {
	err := validateFrameSize(n)
	if err != nil {
		return err
	}
	s.frameSize = n
	for _, c := range s.conns {
		c.SetFrameSize(n)
	}
	return nil
}

// SetReadLimit changes the read limit of the server and all its connections.
func (s *Server) SetReadLimit(n int64) error {
	err := validateReadLimit(n)
	if err != nil {
		return err
	}
	s.readLimit = n
	for _, c := range s.conns {
		c.SetReadLimit(n)
	}
	return nil
}

// SetMaxConnections caps the number of open connections. Zero removes the cap.
// Connections above a lowered cap are kept.
func (s *Server) SetMaxConnections(n int) error {
	if n < 0 {
		return xerrors.Errorf("invalid maxConnections '%d' provided: %w", n, ErrInvalidConfig)
	}
	s.maxConns = n
	return nil
}

// Connections returns the open connections in accept order.
func (s *Server) Connections() []*Conn {
	return append([]*Conn(nil), s.conns...)
}

// Connection returns the connection with the given ID.
func (s *Server) Connection(id string) (*Conn, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return len(s.conns)
}

// IsRunning reports whether Start is looping.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stop makes Start return after the current pass.
// It may be called from any goroutine.
func (s *Server) Stop() {
	s.running.Store(false)
}

func (s *Server) stopped() bool {
	return !s.running.Load()
}

// Start runs the event loop until Stop is called or ctx is done.
// It may be called again after it returns. Only fatal errors and ctx
// errors are returned; everything else is dispatched to OnError.
func (s *Server) Start(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	s.log.Info().Msg("server running")
	defer s.log.Info().Msg("server stopped")

	for s.running.Load() {
		err := s.step(ctx)
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
func (s *Server) step(ctx context.Context) error {
	r, err := waitReady(ctx, s.conns, s.ln, s.timeout, s.stopped)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return s.fatal(xerrors.Errorf("failed to wait for readiness: %w", err))
	}

	if r.accept {
		err = s.accept(r.accepted)
		if err != nil {
			return err
		}
	}

	for r.conns.Length() > 0 {
		c := r.conns.Remove().(*Conn)
		err = s.handle(c, s.receive(c))
		if err != nil {
			return err
		}
	}

	for _, c := range s.Connections() {
		err = s.handle(c, c.Tick())
		if err != nil {
			return err
		}
	}
	err = s.detach()
	if err != nil {
		return err
	}
	return s.handle(nil, s.dispatchTick())
}

func (s *Server) receive(c *Conn) error {
	m, err := c.PullMessage()
	if err != nil {
		return err
	}
	return s.dispatchMessage(c, m)
}

// accept takes a stream from the listener, applies the admission policy
// and performs the handshake. nc is set when the stream was already taken.
func (s *Server) accept(nc net.Conn) error {
	if nc == nil {
		if d, ok := s.ln.(deadliner); ok {
			d.SetDeadline(time.Now().Add(probeWait))
			defer d.SetDeadline(time.Time{})
		}
		var err error
		nc, err = s.ln.Accept()
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return s.fatal(xerrors.Errorf("failed to accept: %w", err))
		}
	}

	switch {
	case !s.admitted:
		s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("rejected connection: shutting down")
		nc.Close()
		return nil
	case s.maxConns > 0 && len(s.conns) >= s.maxConns:
		s.log.Warn().Str("remote", nc.RemoteAddr().String()).Int("max", s.maxConns).Msg("rejected connection: connection limit reached")
		nc.Close()
		return nil
	case s.opts.AcceptLimiter != nil && !s.opts.AcceptLimiter.Allow():
		s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("rejected connection: accept rate exceeded")
		nc.Close()
		return nil
	}

	secure := s.opts.TLSConfig != nil
	if secure {
		nc = tls.Server(nc, s.opts.TLSConfig)
	}

	id := strconv.FormatInt(s.seq.Increment(1), 10) + ":" + nc.RemoteAddr().String()
	c := newConn(nc, connConfig{
		id:         id,
		secure:     secure,
		timeout:    s.timeout,
		frameSize:  s.frameSize,
		readLimit:  s.readLimit,
		middleware: s.middleware.clone(),
		logger:     &s.log,
	})
	c.log.Info().Msg("accepted")

	err := s.handle(c, s.dispatchConnect(c))
	if err == nil && c.IsConnected() {
		err = s.handle(c, s.handshake(c))
	}
	if err != nil {
		return err
	}
	if !c.IsConnected() {
		return s.handle(c, s.dispatchDisconnect(c))
	}

	s.conns = append(s.conns, c)
	s.byID[c.id] = c
	return s.handle(c, s.dispatchHandshake(c))
}

func (s *Server) handshake(c *Conn) (err error) {
	defer errd.Wrap(&err, "failed handshake")

	m, err := c.PullHTTP()
	if err != nil {
		return err
	}
	req, ok := m.(*HandshakeRequest)
	if !ok {
		return handshakeErrorf(0, nil, "expected handshake request but got %v", m)
	}

	resp, err := verifyClientRequest(req)
	if err != nil {
		_, werr := c.PushHTTP(resp)
		if werr != nil {
			c.log.Debug().Err(werr).Msg("failed to write handshake rejection")
		}
		return err
	}

	_, err = c.PushHTTP(acceptResponse(req))
	if err != nil {
		return err
	}
	c.setOpen()
	c.log.Info().Str("target", req.Target()).Msg("handshake complete")
	return nil
}

// detach forgets connections that are gone and dispatches OnDisconnect.
func (s *Server) detach() error {
	open := s.conns[:0]
	var gone []*Conn
	for _, c := range s.conns {
		if c.IsConnected() {
			open = append(open, c)
			continue
		}
		delete(s.byID, c.id)
		gone = append(gone, c)
	}
	for i := len(open); i < len(s.conns); i++ {
		s.conns[i] = nil
	}
	s.conns = open

	for _, c := range gone {
		err := s.handle(c, s.dispatchDisconnect(c))
		if err != nil {
			return err
		}
	}
	return nil
}

// handle applies the recovery action for err and returns err when
// it is fatal.
func (s *Server) handle(c *Conn, err error) error {
	switch Classify(err) {
	case KindNone:
		return nil
	case KindMessage:
		s.log.Error().Err(err).Msg("message failed")
		s.dispatchError(c, err)
		return nil
	case KindConnection, KindHandshake, KindUsage, KindReconnect:
		s.log.Error().Err(err).Msg("connection failed")
		if c != nil {
			c.Disconnect()
		}
		s.dispatchError(c, err)
		return nil
	}
	return s.fatal(err)
}

// fatal tears every connection down and returns err.
func (s *Server) fatal(err error) error {
	s.log.Error().Err(err).Msg("fatal error")
	for _, c := range s.conns {
		c.Disconnect()
	}
	s.running.Store(false)
	return err
}

// Send broadcasts m to every writable connection and returns the first error.
func (s *Server) Send(m Message) error {
	var first error
	for _, c := range s.Connections() {
		if !c.IsWritable() {
			continue
		}
		_, err := c.PushMessage(m.clone())
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Text broadcasts a Text message.
func (s *Server) Text(text string) error {
	return s.Send(NewText(text))
}

// Binary broadcasts a Binary message.
func (s *Server) Binary(p []byte) error {
	return s.Send(NewBinary(p))
}

// Shutdown blocks new connections, sends a Close with StatusGoingAway to
// every connection and runs the event loop until all of them are gone or
// ctx is done. Connections left then are torn down. It must not be called
// while Start runs on another goroutine.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	defer errd.Wrap(&err, "failed to shutdown")

	s.log.Info().Int("connections", len(s.conns)).Msg("shutting down")
	s.admitted = false
	defer func() {
		s.admitted = true
	}()

	for _, c := range s.Connections() {
		if !c.IsWritable() {
			continue
		}
		err = s.handle(c, c.Close(StatusGoingAway, "server shutting down"))
		if err != nil {
			return err
		}
	}

	s.running.Store(true)
	defer s.running.Store(false)
	for len(s.conns) > 0 && s.running.Load() {
		err = s.step(ctx)
		if err != nil {
			break
		}
	}

	if len(s.conns) > 0 {
		s.log.Warn().Int("connections", len(s.conns)).Msg("closing connections without close handshake")
		s.Disconnect()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Disconnect tears every connection down without a close handshake.
func (s *Server) Disconnect() error {
	for _, c := range s.conns {
		c.Disconnect()
	}
	return s.detach()
}

// Close disconnects every connection and closes the listener.
func (s *Server) Close() error {
	s.Stop()
	err := s.Disconnect()
	lerr := s.ln.Close()
	if err != nil {
		return err
	}
	return lerr
}

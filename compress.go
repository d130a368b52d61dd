package wsengine

import (
	"bytes"
	"compress/flate"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws/wsflate"
	"golang.org/x/xerrors"
)

// These bytes are required to get flate.Reader to return.
// They are removed when sending to avoid the overhead as
// WebSocket framing tell's when the message has ended but then
// we need to add them back otherwise flate.Reader keeps
// trying to return more bytes.
const deflateMessageTail = "\x00\x00\xff\xff"

// deflateFinalBlock is an empty final stored block. Appended after the
// message tail it makes flate.Reader return io.EOF exactly when the
// message ended at a sync flush, so truncated input is an error.
const deflateFinalBlock = "\x01\x00\x00\xff\xff"

const (
	minWindowBits     = 8
	defaultWindowBits = 15
)

// DeflateCompressor holds the permessage-deflate parameters a peer offers
// or accepts. See https://tools.ietf.org/html/rfc7692
//
// Zero window bits mean 15.
type DeflateCompressor struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

// NewDeflateCompressor returns a compressor with context takeover in both
// directions and 15 bit windows.
func NewDeflateCompressor() *DeflateCompressor {
	return &DeflateCompressor{
		ServerMaxWindowBits: defaultWindowBits,
		ClientMaxWindowBits: defaultWindowBits,
	}
}

func (dc *DeflateCompressor) String() string {
	return wsflate.ExtensionName
}

func (dc *DeflateCompressor) validate() error {
	for _, bits := range []int{dc.ServerMaxWindowBits, dc.ClientMaxWindowBits} {
		if bits != 0 && (bits < minWindowBits || bits > defaultWindowBits) {
			return xerrors.Errorf("invalid window bits %d, must be between %d and %d: %w", bits, minWindowBits, defaultWindowBits, ErrInvalidConfig)
		}
	}
	return nil
}

func windowBits(bits int) int {
	if bits == 0 {
		return defaultWindowBits
	}
	return bits
}

// offer returns the Sec-WebSocket-Extensions value a client sends.
func (dc *DeflateCompressor) offer() string {
	return formatExtension(
		dc.ServerNoContextTakeover,
		dc.ClientNoContextTakeover,
		optionalBits(windowBits(dc.ServerMaxWindowBits)),
		optionalBits(windowBits(dc.ClientMaxWindowBits)),
	)
}

func optionalBits(bits int) int {
	if bits == defaultWindowBits {
		return 0
	}
	return bits
}

func formatExtension(serverNoContext, clientNoContext bool, serverBits, clientBits int) string {
	var sb strings.Builder
	sb.WriteString(wsflate.ExtensionName)
	if serverNoContext {
		sb.WriteString("; server_no_context_takeover")
	}
	if clientNoContext {
		sb.WriteString("; client_no_context_takeover")
	}
	if serverBits != 0 {
		sb.WriteString("; server_max_window_bits=" + strconv.Itoa(serverBits))
	}
	if clientBits != 0 {
		sb.WriteString("; client_max_window_bits=" + strconv.Itoa(clientBits))
	}
	return sb.String()
}

// parseDeflateParameters returns the first well formed permessage-deflate
// option in the Sec-WebSocket-Extensions values.
func parseDeflateParameters(values []string) (wsflate.Parameters, bool) {
	for _, v := range values {
		opts, ok := httphead.ParseOptions([]byte(v), nil)
		if !ok {
			continue
		}
		for _, opt := range opts {
			if !bytes.Equal(opt.Name, wsflate.ExtensionNameBytes) {
				continue
			}
			var p wsflate.Parameters
			if p.Parse(opt) == nil {
				return p, true
			}
		}
	}
	return wsflate.Parameters{}, false
}

// negotiate computes the server side configuration from a client offer.
// No context takeover applies when either side asks for it and each window
// is the smaller of the offered and the supported size.
func (dc *DeflateCompressor) negotiate(offer wsflate.Parameters) *CompressionConfig {
	cfg := &CompressionConfig{
		IsServer:                true,
		ServerNoContextTakeover: dc.ServerNoContextTakeover || offer.ServerNoContextTakeover,
		ClientNoContextTakeover: dc.ClientNoContextTakeover || offer.ClientNoContextTakeover,
		ServerMaxWindowBits:     windowBits(dc.ServerMaxWindowBits),
		ClientMaxWindowBits:     defaultWindowBits,
	}
	if offer.ServerMaxWindowBits.Defined() && int(offer.ServerMaxWindowBits) < cfg.ServerMaxWindowBits {
		cfg.ServerMaxWindowBits = int(offer.ServerMaxWindowBits)
	}
	// A client_max_window_bits offer without a value parses as 1 and only
	// signals support for the parameter.
	if offer.ClientMaxWindowBits.Defined() {
		cfg.ClientMaxWindowBits = windowBits(dc.ClientMaxWindowBits)
		if offer.ClientMaxWindowBits > 1 && int(offer.ClientMaxWindowBits) < cfg.ClientMaxWindowBits {
			cfg.ClientMaxWindowBits = int(offer.ClientMaxWindowBits)
		}
	}
	return cfg
}

// accept computes the client side configuration from a server response.
func (dc *DeflateCompressor) accept(resp wsflate.Parameters) *CompressionConfig {
	cfg := &CompressionConfig{
		ServerNoContextTakeover: dc.ServerNoContextTakeover || resp.ServerNoContextTakeover,
		ClientNoContextTakeover: dc.ClientNoContextTakeover || resp.ClientNoContextTakeover,
		ServerMaxWindowBits:     windowBits(dc.ServerMaxWindowBits),
		ClientMaxWindowBits:     windowBits(dc.ClientMaxWindowBits),
	}
	if resp.ServerMaxWindowBits.Defined() {
		cfg.ServerMaxWindowBits = int(resp.ServerMaxWindowBits)
	}
	if resp.ClientMaxWindowBits > 1 {
		cfg.ClientMaxWindowBits = int(resp.ClientMaxWindowBits)
	}
	return cfg
}

// CompressionConfig is the permessage-deflate configuration negotiated
// for one connection.
type CompressionConfig struct {
	IsServer                bool
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int

	deflator *deflator
	inflator *inflator
}

// response returns the Sec-WebSocket-Extensions value a server answers with.
func (cfg *CompressionConfig) response(offer wsflate.Parameters) string {
	clientBits := 0
	if offer.ClientMaxWindowBits.Defined() {
		clientBits = cfg.ClientMaxWindowBits
	}
	return formatExtension(
		cfg.ServerNoContextTakeover,
		cfg.ClientNoContextTakeover,
		optionalBits(cfg.ServerMaxWindowBits),
		optionalBits(clientBits),
	)
}

// sendParams returns the parameters that govern messages this side sends.
func (cfg *CompressionConfig) sendParams() (noContextTakeover bool, bits int) {
	if cfg.IsServer {
		return cfg.ServerNoContextTakeover, cfg.ServerMaxWindowBits
	}
	return cfg.ClientNoContextTakeover, cfg.ClientMaxWindowBits
}

// receiveParams returns the parameters that govern messages the peer sends.
func (cfg *CompressionConfig) receiveParams() (noContextTakeover bool, bits int) {
	if cfg.IsServer {
		return cfg.ClientNoContextTakeover, cfg.ClientMaxWindowBits
	}
	return cfg.ServerNoContextTakeover, cfg.ServerMaxWindowBits
}

func (cfg *CompressionConfig) deflate(p []byte) ([]byte, error) {
	noContext, bits := cfg.sendParams()
	if cfg.deflator == nil || noContext {
		d, err := newDeflator(bits)
		if err != nil {
			return nil, err
		}
		cfg.deflator = d
	}
	return cfg.deflator.deflate(p)
}

// inflate decompresses p. Output longer than limit fails with
// StatusMessageTooBig; a limit of zero or less disables the check.
func (cfg *CompressionConfig) inflate(p []byte, limit int64) ([]byte, error) {
	noContext, bits := cfg.receiveParams()
	if cfg.inflator == nil || noContext {
		cfg.inflator = newInflator(bits, noContext)
	}
	return cfg.inflator.inflate(p, limit)
}

// deflator compresses the messages sent in one direction.
// Its flate.Writer keeps the dictionary between messages.
type deflator struct {
	buf bytes.Buffer
	tw  trimLastFourBytesWriter
	fw  *flate.Writer
}

func newDeflator(bits int) (*deflator, error) {
	d := &deflator{}
	d.tw.w = &d.buf

	// Without back references the encoder never refers further back
	// than a window smaller than its own.
	level := flate.DefaultCompression
	if bits < defaultWindowBits {
		level = flate.HuffmanOnly
	}
	fw, err := flate.NewWriter(&d.tw, level)
	if err != nil {
		return nil, xerrors.Errorf("failed to create flate writer: %w", err)
	}
	d.fw = fw
	return d, nil
}

func (d *deflator) deflate(p []byte) ([]byte, error) {
	d.buf.Reset()
	d.tw.reset()

	_, err := d.fw.Write(p)
	if err != nil {
		return nil, xerrors.Errorf("failed to deflate: %w", err)
	}
	err = d.fw.Flush()
	if err != nil {
		return nil, xerrors.Errorf("failed to flush deflate stream: %w", err)
	}

	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

type trimLastFourBytesWriter struct {
	w    io.Writer
	tail []byte
}

func (tw *trimLastFourBytesWriter) reset() {
	tw.tail = tw.tail[:0]
}

func (tw *trimLastFourBytesWriter) Write(p []byte) (int, error) {
	extra := len(tw.tail) + len(p) - 4

	if extra <= 0 {
		tw.tail = append(tw.tail, p...)
		return len(p), nil
	}

	// Now we need to write as many extra bytes as we can from the previous tail.
	if extra > len(tw.tail) {
		extra = len(tw.tail)
	}
	if extra > 0 {
		_, err := tw.w.Write(tw.tail[:extra])
		if err != nil {
			return 0, err
		}
		tw.tail = tw.tail[extra:]
	}

	// If p is less than or equal to 4 bytes,
	// all of it is is part of the tail.
	if len(p) <= 4 {
		tw.tail = append(tw.tail, p...)
		return len(p), nil
	}

	// Otherwise, only the last 4 bytes are.
	tw.tail = append(tw.tail, p[len(p)-4:]...)

	p = p[:len(p)-4]
	n, err := tw.w.Write(p)
	return n + 4, err
}

// inflator decompresses the messages received in one direction.
// With context takeover the previous output of up to one window
// is the preset dictionary of the next message.
type inflator struct {
	fr   io.ReadCloser
	dict *slidingWindow
}

func newInflator(bits int, noContext bool) *inflator {
	in := &inflator{
		fr: flate.NewReader(nil),
	}
	if !noContext {
		in.dict = &slidingWindow{buf: make([]byte, 0, 1<<uint(bits))}
	}
	return in
}

func (in *inflator) inflate(p []byte, limit int64) ([]byte, error) {
	var dict []byte
	if in.dict != nil {
		dict = in.dict.buf
	}
	src := io.MultiReader(
		bytes.NewReader(p),
		strings.NewReader(deflateMessageTail),
		strings.NewReader(deflateFinalBlock),
	)
	err := in.fr.(flate.Resetter).Reset(src, dict)
	if err != nil {
		return nil, xerrors.Errorf("failed to reset flate reader: %w", err)
	}

	r := io.Reader(in.fr)
	if limit > 0 {
		r = io.LimitReader(in.fr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to inflate: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, CloseError{Code: StatusMessageTooBig, Reason: "message too big"}
	}

	if in.dict != nil {
		in.dict.write(out)
	}
	return out, nil
}

type slidingWindow struct {
	buf []byte
}

func (w *slidingWindow) write(p []byte) {
	if len(p) >= cap(w.buf) {
		w.buf = w.buf[:cap(w.buf)]
		p = p[len(p)-cap(w.buf):]
		copy(w.buf, p)
		return
	}

	left := cap(w.buf) - len(w.buf)
	if left < len(p) {
		// We need to shift spaceNeeded bytes from the end to make room for p at the end.
		spaceNeeded := len(p) - left
		copy(w.buf, w.buf[spaceNeeded:])
		w.buf = w.buf[:len(w.buf)-spaceNeeded]
	}

	w.buf = append(w.buf, p...)
}

// CompressionExtension negotiates permessage-deflate during the handshake
// and compresses Text and Binary messages on connections where it was
// accepted.
type CompressionExtension struct {
	compressor *DeflateCompressor
}

// NewCompressionExtension returns the extension middleware for dc.
// A nil dc uses NewDeflateCompressor.
func NewCompressionExtension(dc *DeflateCompressor) (*CompressionExtension, error) {
	if dc == nil {
		dc = NewDeflateCompressor()
	}
	err := dc.validate()
	if err != nil {
		return nil, err
	}
	return &CompressionExtension{compressor: dc}, nil
}

func (ce *CompressionExtension) String() string {
	return "CompressionExtension(" + ce.compressor.String() + ")"
}

func (ce *CompressionExtension) OutgoingHandshake(c *Conn, m HTTPMessage, next func(HTTPMessage) (HTTPMessage, error)) (HTTPMessage, error) {
	switch m := m.(type) {
	case *HandshakeRequest:
		if !c.client {
			break
		}
		return next(m.WithHeader("Sec-WebSocket-Extensions", ce.compressor.offer()))
	case *HandshakeResponse:
		if c.compression == nil || c.compressionOffer == nil {
			break
		}
		if m.Status != http.StatusSwitchingProtocols {
			c.compression = nil
			c.compressionOffer = nil
			break
		}
		h := c.compression.response(*c.compressionOffer)
		c.compressionOffer = nil
		c.log.Debug().Str("extension", h).Msg("accepted compression")
		return next(m.WithHeader("Sec-WebSocket-Extensions", h))
	}
	return next(m)
}

func (ce *CompressionExtension) IncomingHandshake(c *Conn, next func() (HTTPMessage, error)) (HTTPMessage, error) {
	m, err := next()
	if err != nil {
		return nil, err
	}

	params, ok := parseDeflateParameters(m.Values("Sec-WebSocket-Extensions"))
	if !ok {
		return m, nil
	}

	switch m.(type) {
	case *HandshakeRequest:
		if c.client {
			break
		}
		c.compression = ce.compressor.negotiate(params)
		c.compressionOffer = &params
	case *HandshakeResponse:
		if !c.client {
			break
		}
		c.compression = ce.compressor.accept(params)
		c.log.Debug().Str("extension", m.Header("Sec-WebSocket-Extensions")).Msg("server accepted compression")
	}
	return m, nil
}

func (ce *CompressionExtension) OutgoingMessage(c *Conn, m Message, next func(Message) (Message, error)) (Message, error) {
	cfg := c.compression
	if cfg == nil || m.Opcode().IsControl() || len(m.Content()) == 0 || m.Compressed() {
		return next(m)
	}

	p, err := cfg.deflate(m.Content())
	if err != nil {
		return nil, err
	}
	cm := m.clone()
	cm.SetContent(p)
	cm.SetCompressed(true)
	_, err = next(cm)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (ce *CompressionExtension) IncomingMessage(c *Conn, next func() (Message, error)) (Message, error) {
	m, err := next()
	if err != nil || !m.Compressed() {
		return m, err
	}

	cfg := c.compression
	if cfg == nil {
		return nil, CloseError{Code: StatusProtocolError, Reason: "unexpected compressed message"}
	}
	if m.Opcode().IsControl() {
		return nil, CloseError{Code: StatusProtocolError, Reason: "compressed control frame"}
	}

	p, err := cfg.inflate(m.Content(), c.asm.readLimit)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	m.SetContent(p)
	m.SetCompressed(false)
	return m, nil
}

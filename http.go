package wsengine

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/errd"
)

// HTTPMessage is one side of the opening handshake:
// a *HandshakeRequest or a *HandshakeResponse.
type HTTPMessage interface {
	// Header returns the values of the named header joined by ", ".
	Header(name string) string
	// Values returns all values of the named header.
	Values(name string) []string
	// Headers returns a copy of all headers.
	Headers() http.Header
	String() string

	writeHTTP(w *bufio.Writer) error
}

// headers is the copy-on-write header bag shared by both handshake messages.
type headers struct {
	h http.Header
}

func (hs headers) Header(name string) string {
	return strings.Join(hs.h.Values(name), ", ")
}

func (hs headers) Values(name string) []string {
	return hs.h.Values(name)
}

func (hs headers) Headers() http.Header {
	return hs.h.Clone()
}

func (hs headers) with(name, value string) headers {
	h := hs.h.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(name, value)
	return headers{h: h}
}

func (hs headers) added(name, value string) headers {
	h := hs.h.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Add(name, value)
	return headers{h: h}
}

func (hs headers) without(name string) headers {
	h := hs.h.Clone()
	h.Del(name)
	return headers{h: h}
}

// wireNames spells the WebSocket headers the way RFC 6455 does
// instead of in canonical MIME form.
var wireNames = map[string]string{
	"Sec-Websocket-Key":        "Sec-WebSocket-Key",
	"Sec-Websocket-Accept":     "Sec-WebSocket-Accept",
	"Sec-Websocket-Version":    "Sec-WebSocket-Version",
	"Sec-Websocket-Extensions": "Sec-WebSocket-Extensions",
	"Sec-Websocket-Protocol":   "Sec-WebSocket-Protocol",
}

func wireName(k string) string {
	if n, ok := wireNames[k]; ok {
		return n
	}
	return k
}

// write writes first (when present) and then the remaining headers
// sorted by name.
func (hs headers) write(w *bufio.Writer, first string) {
	for _, v := range hs.h.Values(first) {
		fmt.Fprintf(w, "%s: %s\r\n", first, v)
	}
	keys := make([]string, 0, len(hs.h))
	for k := range hs.h {
		if k != first {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hs.h[k] {
			fmt.Fprintf(w, "%s: %s\r\n", wireName(k), v)
		}
	}
	w.WriteString("\r\n")
}

// HandshakeRequest is the client's HTTP upgrade request.
type HandshakeRequest struct {
	headers
	Method string
	// URL is the ws or wss URI the request targets.
	URL *url.URL
}

// NewHandshakeRequest returns a request for u with its Host header set.
func NewHandshakeRequest(method string, u *url.URL) *HandshakeRequest {
	r := &HandshakeRequest{
		Method: method,
		URL:    u,
	}
	r.headers = r.headers.with("Host", u.Host)
	return r
}

// WithHeader returns a copy of r with the named header replaced.
func (r *HandshakeRequest) WithHeader(name, value string) *HandshakeRequest {
	c := *r
	c.headers = r.with(name, value)
	return &c
}

// WithAddedHeader returns a copy of r with value appended to the named header.
func (r *HandshakeRequest) WithAddedHeader(name, value string) *HandshakeRequest {
	c := *r
	c.headers = r.added(name, value)
	return &c
}

// WithoutHeader returns a copy of r without the named header.
func (r *HandshakeRequest) WithoutHeader(name string) *HandshakeRequest {
	c := *r
	c.headers = r.without(name)
	return &c
}

// Target returns the request target: the path and query of the URL.
func (r *HandshakeRequest) Target() string {
	t := r.URL.RequestURI()
	if t == "" {
		return "/"
	}
	return t
}

func (r *HandshakeRequest) String() string {
	return r.Method + " " + r.URL.String()
}

func (r *HandshakeRequest) writeHTTP(w *bufio.Writer) error {
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", r.Method, r.Target())
	r.write(w, "Host")
	return w.Flush()
}

// HandshakeResponse is the server's HTTP response to an upgrade request.
type HandshakeResponse struct {
	headers
	Status int
	Reason string
}

// NewHandshakeResponse returns a response with the standard reason phrase for status.
func NewHandshakeResponse(status int) *HandshakeResponse {
	return &HandshakeResponse{
		Status: status,
		Reason: http.StatusText(status),
	}
}

// WithHeader returns a copy of r with the named header replaced.
func (r *HandshakeResponse) WithHeader(name, value string) *HandshakeResponse {
	c := *r
	c.headers = r.with(name, value)
	return &c
}

// WithAddedHeader returns a copy of r with value appended to the named header.
func (r *HandshakeResponse) WithAddedHeader(name, value string) *HandshakeResponse {
	c := *r
	c.headers = r.added(name, value)
	return &c
}

// WithoutHeader returns a copy of r without the named header.
func (r *HandshakeResponse) WithoutHeader(name string) *HandshakeResponse {
	c := *r
	c.headers = r.without(name)
	return &c
}

func (r *HandshakeResponse) String() string {
	return strconv.Itoa(r.Status) + " " + r.Reason
}

func (r *HandshakeResponse) writeHTTP(w *bufio.Writer) error {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", r.Status, r.Reason)
	r.write(w, "")
	return w.Flush()
}

const (
	maxHeaderLine  = 8 << 10
	maxHeaderLines = 128
)

// readHTTP reads a request or response head from br. secure selects
// the scheme of a request's URL. Malformed input is a *HandshakeError.
func readHTTP(br *bufio.Reader, secure bool) (_ HTTPMessage, err error) {
	defer errd.Wrap(&err, "failed to read HTTP message")

	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	var req *HandshakeRequest
	var resp *HandshakeResponse
	if rl, ok := httphead.ParseRequestLine(line); ok {
		req = &HandshakeRequest{
			Method: string(rl.Method),
			URL:    &url.URL{Scheme: "ws"},
		}
		if secure {
			req.URL.Scheme = "wss"
		}
		target, err := url.ParseRequestURI(string(rl.URI))
		if err != nil {
			return nil, handshakeErrorf(0, nil, "invalid request target %q: %v", rl.URI, err)
		}
		req.URL.Path = target.Path
		req.URL.RawPath = target.RawPath
		req.URL.RawQuery = target.RawQuery
	} else if rl, ok := httphead.ParseResponseLine(line); ok {
		resp = &HandshakeResponse{
			Status: rl.Status,
			Reason: string(rl.Reason),
		}
	} else {
		return nil, handshakeErrorf(0, nil, "invalid HTTP start line %q", line)
	}

	hs := headers{h: http.Header{}}
	for i := 0; ; i++ {
		if i == maxHeaderLines {
			return nil, handshakeErrorf(0, nil, "too many header lines")
		}
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		k, v, ok := httphead.ParseHeaderLine(line)
		if !ok || len(v) == 0 {
			continue
		}
		hs.h.Add(string(k), string(v))
	}

	if resp != nil {
		resp.headers = hs
		return resp, nil
	}
	req.headers = hs
	req.URL.Host = hs.h.Get("Host")
	return req, nil
}

func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := httphead.ReadLine(br)
	if err != nil {
		if xerrors.Is(err, io.EOF) && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) > maxHeaderLine {
		return nil, handshakeErrorf(0, nil, "header line of %d bytes exceeds %d", len(line), maxHeaderLine)
	}
	return line, nil
}

func validHeader(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}

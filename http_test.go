package wsengine

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/coder/wsengine/internal/test/assert"
)

func writeHTTPString(t *testing.T, m HTTPMessage) string {
	t.Helper()

	b := &bytes.Buffer{}
	err := m.writeHTTP(bufio.NewWriter(b))
	assert.Success(t, err)
	return b.String()
}

func TestHandshakeRequest(t *testing.T) {
	t.Parallel()

	t.Run("write", func(t *testing.T) {
		t.Parallel()

		u, err := url.Parse("ws://test.com:123/a/path?a=b")
		assert.Success(t, err)
		req := NewHandshakeRequest("GET", u)
		assert.Equal(t, "request", "GET /a/path?a=b HTTP/1.1\r\nHost: test.com:123\r\n\r\n", writeHTTPString(t, req))
		assert.Equal(t, "string", "GET ws://test.com:123/a/path?a=b", req.String())
	})

	t.Run("target", func(t *testing.T) {
		t.Parallel()

		u, err := url.Parse("ws://test.com")
		assert.Success(t, err)
		assert.Equal(t, "target", "/", NewHandshakeRequest("GET", u).Target())
	})

	t.Run("headers", func(t *testing.T) {
		t.Parallel()

		u, err := url.Parse("ws://test.com/")
		assert.Success(t, err)
		req := NewHandshakeRequest("GET", u)
		a := req.WithHeader("A", "0")
		b := a.WithAddedHeader("A", "B")
		c := b.WithoutHeader("A")

		assert.Equal(t, "original", "", req.Header("A"))
		assert.Equal(t, "with", "0", a.Header("A"))
		assert.Equal(t, "added", "0, B", b.Header("A"))
		assert.Equal(t, "values", []string{"0", "B"}, b.Values("A"))
		assert.Equal(t, "without", "", c.Header("A"))

		assert.Equal(t, "ordered", "GET / HTTP/1.1\r\nHost: test.com\r\nA: 0\r\nA: B\r\n\r\n", writeHTTPString(t, b))

		h := b.Headers()
		h.Set("A", "changed")
		assert.Equal(t, "copy", "0, B", b.Header("A"))
	})
}

func TestHandshakeResponse(t *testing.T) {
	t.Parallel()

	resp := NewHandshakeResponse(426).WithHeader("Sec-WebSocket-Version", "13")
	assert.Equal(t, "response", "HTTP/1.1 426 Upgrade Required\r\nSec-WebSocket-Version: 13\r\n\r\n", writeHTTPString(t, resp))
	assert.Equal(t, "string", "426 Upgrade Required", resp.String())
}

func TestReadHTTP(t *testing.T) {
	t.Parallel()

	t.Run("request", func(t *testing.T) {
		t.Parallel()

		br := bufio.NewReader(strings.NewReader("GET /a/path?a=b HTTP/1.1\r\nHost: test.com:123\r\nA: 0\r\nA: B\r\nEmpty:\r\n\r\n"))
		m, err := readHTTP(br, false)
		assert.Success(t, err)

		req, ok := m.(*HandshakeRequest)
		assert.True(t, "request", ok)
		assert.Equal(t, "method", "GET", req.Method)
		assert.Equal(t, "url", "ws://test.com:123/a/path?a=b", req.URL.String())
		assert.Equal(t, "A", "0, B", req.Header("A"))
		assert.Equal(t, "empty", 0, len(req.Values("Empty")))
	})

	t.Run("secureRequest", func(t *testing.T) {
		t.Parallel()

		br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: test.com\r\n\r\n"))
		m, err := readHTTP(br, true)
		assert.Success(t, err)
		assert.Equal(t, "url", "wss://test.com/", m.(*HandshakeRequest).URL.String())
	})

	t.Run("response", func(t *testing.T) {
		t.Parallel()

		br := bufio.NewReader(strings.NewReader("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\nrest"))
		m, err := readHTTP(br, false)
		assert.Success(t, err)

		resp, ok := m.(*HandshakeResponse)
		assert.True(t, "response", ok)
		assert.Equal(t, "status", 101, resp.Status)
		assert.Equal(t, "reason", "Switching Protocols", resp.Reason)
		assert.Equal(t, "upgrade", "websocket", resp.Header("upgrade"))
		assert.Equal(t, "buffered", 4, br.Buffered())
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		_, err := readHTTP(bufio.NewReader(strings.NewReader("nonsense\r\n\r\n")), false)
		assert.Contains(t, err, "invalid HTTP start line")

		_, err = readHTTP(bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: a")), false)
		assert.Error(t, err)

		long := "GET / HTTP/1.1\r\n" + strings.Repeat("A: B\r\n", maxHeaderLines+1) + "\r\n"
		_, err = readHTTP(bufio.NewReader(strings.NewReader(long)), false)
		assert.Contains(t, err, "too many header lines")
	})
}

package wsengine

import (
	"bytes"
	"compress/flate"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/gobwas/ws/wsflate"

	"github.com/coder/wsengine/internal/test/assert"
	"github.com/coder/wsengine/internal/test/wstest"
	"github.com/coder/wsengine/internal/test/xrand"
)

func newTestExtension(t *testing.T, dc *DeflateCompressor) *CompressionExtension {
	t.Helper()

	ce, err := NewCompressionExtension(dc)
	assert.Success(t, err)
	return ce
}

func Test_slidingWindow(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		input := xrand.String(xrand.Int(8192))
		windowLength := xrand.Int(8192) + 1

		w := &slidingWindow{buf: make([]byte, 0, windowLength)}
		w.write([]byte(input))

		assert.Equal(t, "window length", windowLength, cap(w.buf))
		if !strings.HasSuffix(input, string(w.buf)) {
			t.Fatalf("r.buf is not a suffix of input: %q and %q", input, w.buf)
		}
	}
}

func TestDeflateCompressor(t *testing.T) {
	t.Parallel()

	t.Run("offer", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "default", "permessage-deflate", NewDeflateCompressor().offer())

		dc := &DeflateCompressor{
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		}
		assert.Equal(t, "full", "permessage-deflate; server_no_context_takeover; client_no_context_takeover; server_max_window_bits=12; client_max_window_bits=10", dc.offer())
	})

	t.Run("validate", func(t *testing.T) {
		t.Parallel()

		_, err := NewCompressionExtension(&DeflateCompressor{ServerMaxWindowBits: 7})
		assert.ErrorIs(t, ErrInvalidConfig, err)
		_, err = NewCompressionExtension(&DeflateCompressor{ClientMaxWindowBits: 16})
		assert.ErrorIs(t, ErrInvalidConfig, err)
	})

	t.Run("accept", func(t *testing.T) {
		t.Parallel()

		dc := &DeflateCompressor{
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		}
		p, ok := parseDeflateParameters([]string{"permessage-deflate"})
		assert.True(t, "parsed", ok)
		cfg := dc.accept(p)
		assert.Equal(t, "config", &CompressionConfig{
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		}, cfg)

		p, ok = parseDeflateParameters([]string{"x-other, permessage-deflate; server_max_window_bits=9"})
		assert.True(t, "parsed", ok)
		cfg = NewDeflateCompressor().accept(p)
		assert.Equal(t, "server bits", 9, cfg.ServerMaxWindowBits)
		assert.Equal(t, "client bits", 15, cfg.ClientMaxWindowBits)
	})

	t.Run("negotiate", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			name     string
			server   *DeflateCompressor
			offer    string
			response string
		}{
			{
				name:     "default",
				server:   NewDeflateCompressor(),
				offer:    "permessage-deflate",
				response: "permessage-deflate",
			},
			{
				name:     "flags",
				server:   NewDeflateCompressor(),
				offer:    "permessage-deflate; server_no_context_takeover; client_no_context_takeover",
				response: "permessage-deflate; server_no_context_takeover; client_no_context_takeover",
			},
			{
				name:     "serverFlag",
				server:   &DeflateCompressor{ServerNoContextTakeover: true},
				offer:    "permessage-deflate",
				response: "permessage-deflate; server_no_context_takeover",
			},
			{
				name:     "serverBits",
				server:   &DeflateCompressor{ServerMaxWindowBits: 12},
				offer:    "permessage-deflate; server_max_window_bits=10",
				response: "permessage-deflate; server_max_window_bits=10",
			},
			{
				name:     "clientBitsSupported",
				server:   &DeflateCompressor{ClientMaxWindowBits: 11},
				offer:    "permessage-deflate; client_max_window_bits",
				response: "permessage-deflate; client_max_window_bits=11",
			},
			{
				name:     "clientBitsNotOffered",
				server:   &DeflateCompressor{ClientMaxWindowBits: 11},
				offer:    "permessage-deflate",
				response: "permessage-deflate",
			},
			{
				name:     "clientBitsSmaller",
				server:   &DeflateCompressor{ClientMaxWindowBits: 11},
				offer:    "permessage-deflate; client_max_window_bits=9",
				response: "permessage-deflate; client_max_window_bits=9",
			},
		}

		for _, tc := range testCases {
			tc := tc
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()

				p, ok := parseDeflateParameters([]string{tc.offer})
				assert.True(t, "parsed", ok)
				cfg := tc.server.negotiate(p)
				assert.True(t, "server", cfg.IsServer)
				assert.Equal(t, "response", tc.response, cfg.response(p))
			})
		}
	})

	t.Run("unparseable", func(t *testing.T) {
		t.Parallel()

		_, ok := parseDeflateParameters([]string{"x-webkit-deflate-frame"})
		assert.Equal(t, "parsed", false, ok)
		_, ok = parseDeflateParameters([]string{"permessage-deflate; server_max_window_bits=99"})
		assert.Equal(t, "parsed", false, ok)
	})
}

func TestCompressionConfig(t *testing.T) {
	t.Parallel()

	t.Run("roundTrip", func(t *testing.T) {
		t.Parallel()

		for _, noContext := range []bool{false, true} {
			for _, bits := range []int{9, 12, 15} {
				server := &CompressionConfig{
					IsServer:                true,
					ServerNoContextTakeover: noContext,
					ClientNoContextTakeover: noContext,
					ServerMaxWindowBits:     bits,
					ClientMaxWindowBits:     bits,
				}
				client := *server
				client.IsServer = false

				msgs := []string{
					"hello hello hello hello",
					xrand.String(1000),
					"hello hello hello hello",
					strings.Repeat("abc", 5000),
				}
				for _, msg := range msgs {
					p, err := server.deflate([]byte(msg))
					assert.Success(t, err)
					got, err := client.inflate(p, 0)
					assert.Success(t, err)
					assert.Equal(t, "message", msg, string(got))

					p, err = client.deflate([]byte(msg))
					assert.Success(t, err)
					got, err = server.inflate(p, 0)
					assert.Success(t, err)
					assert.Equal(t, "message", msg, string(got))
				}
			}
		}
	})

	t.Run("contextTakeover", func(t *testing.T) {
		t.Parallel()

		cfg := &CompressionConfig{IsServer: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		first, err := cfg.deflate([]byte("First message"))
		assert.Success(t, err)
		d := cfg.deflator
		second, err := cfg.deflate([]byte("First message"))
		assert.Success(t, err)
		assert.True(t, "same deflator", d == cfg.deflator)
		assert.True(t, "shorter with context", len(second) < len(first))

		cfg.ServerNoContextTakeover = true
		third, err := cfg.deflate([]byte("First message"))
		assert.Success(t, err)
		assert.True(t, "new deflator", d != cfg.deflator)
		assert.Equal(t, "without context", first, third)

		peer := &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		for i := 0; i < 2; i++ {
			p, err := peer.deflate([]byte("Second message"))
			assert.Success(t, err)
			got, err := cfg.inflate(p, 0)
			assert.Success(t, err)
			assert.Equal(t, "inflated", "Second message", string(got))
		}
		in := cfg.inflator
		p, err := peer.deflate([]byte("Second message"))
		assert.Success(t, err)
		_, err = cfg.inflate(p, 0)
		assert.Success(t, err)
		assert.True(t, "same inflator", in == cfg.inflator)

		cfg.ClientNoContextTakeover = true
		peer.ClientNoContextTakeover = true
		for i := 0; i < 2; i++ {
			p, err := peer.deflate([]byte("Second message"))
			assert.Success(t, err)
			got, err := cfg.inflate(p, 0)
			assert.Success(t, err)
			assert.Equal(t, "inflated", "Second message", string(got))
			assert.True(t, "new inflator", in != cfg.inflator)
			in = cfg.inflator
		}
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()

		p := b64(t, "csssKi5RyE0tLk5MTwUA")
		for n := 1; n < len(p); n++ {
			cfg := &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
			_, err := cfg.inflate(p[:n], 0)
			assert.Error(t, err)
		}
	})

	t.Run("finalBlock", func(t *testing.T) {
		t.Parallel()

		// A message may end with a block that has BFINAL set.
		cfg := &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		got, err := cfg.inflate(b64(t, "c8ssKi5RyE0tLk5MTwUA"), 0)
		assert.Success(t, err)
		assert.Equal(t, "inflated", "First message", string(got))
	})

	t.Run("readLimit", func(t *testing.T) {
		t.Parallel()

		peer := &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		p, err := peer.deflate([]byte(strings.Repeat("a", 4096)))
		assert.Success(t, err)
		assert.True(t, "compressed", len(p) < 100)

		cfg := &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		_, err = cfg.inflate(p, 4095)
		assert.Equal(t, "status", StatusMessageTooBig, CloseStatus(err))

		cfg = &CompressionConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		got, err := cfg.inflate(p, 4096)
		assert.Success(t, err)
		assert.Equal(t, "length", 4096, len(got))
	})

	t.Run("tail", func(t *testing.T) {
		t.Parallel()

		cfg := &CompressionConfig{IsServer: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		p, err := cfg.deflate([]byte("First message"))
		assert.Success(t, err)

		r := flate.NewReader(io.MultiReader(bytes.NewReader(p), strings.NewReader(deflateMessageTail)))
		got := make([]byte, 13)
		_, err = io.ReadFull(r, got)
		assert.Success(t, err)
		assert.Equal(t, "inflated", "First message", string(got))
	})
}

func TestCompressionExtension(t *testing.T) {
	t.Parallel()

	t.Run("serverPush", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream()
		c := newTestConn(s, false, newTestExtension(t, nil))
		c.compression = NewDeflateCompressor().negotiate(mustParams(t, "permessage-deflate"))

		m := NewText("First message")
		got, err := c.PushMessage(m)
		assert.Success(t, err)
		assert.Equal(t, "wire", b64(t, "wQ9yyywqLlHITS0uTkxPBQA="), s.Written())
		assert.True(t, "original returned", got == Message(m))
		assert.Equal(t, "original content", "First message", m.Text())
		assert.Equal(t, "original compressed", false, m.Compressed())

		err = c.Ping(nil)
		assert.Success(t, err)
		assert.Equal(t, "ping", b64(t, "iQA="), s.Written())

		err = c.Text("")
		assert.Success(t, err)
		assert.Equal(t, "empty", []byte{0x81, 0x00}, s.Written())
	})

	t.Run("clientPull", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream(b64(t, "wQ8="), b64(t, "csssKi5RyE0tLk5MTwUA"))
		c := newTestConn(s, true, newTestExtension(t, nil))
		c.compression = NewDeflateCompressor().accept(mustParams(t, "permessage-deflate"))

		m, err := c.PullMessage()
		assert.Success(t, err)
		assert.Equal(t, "text", "First message", m.(*Text).Text())
		assert.Equal(t, "compressed", false, m.Compressed())
	})

	t.Run("inflatedTooBig", func(t *testing.T) {
		t.Parallel()

		// 6 compressed bytes inflate to 100 bytes of "a".
		s := wstest.NewStream(b64(t, "wQY="), b64(t, "SkykPQAA"), b64(t, "wQY="), b64(t, "SkykPQAA"))
		c := newTestConn(s, true, newTestExtension(t, nil))
		c.compression = NewDeflateCompressor().accept(mustParams(t, "permessage-deflate; server_no_context_takeover"))

		assert.Success(t, c.SetReadLimit(100))
		m, err := c.PullMessage()
		assert.Success(t, err)
		assert.Equal(t, "text", strings.Repeat("a", 100), m.(*Text).Text())

		assert.Success(t, c.SetReadLimit(99))
		_, err = c.PullMessage()
		assert.Equal(t, "status", StatusMessageTooBig, CloseStatus(err))
		assert.Equal(t, "connected", false, c.IsConnected())
	})

	t.Run("unexpectedCompressed", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream(b64(t, "wQ8="), b64(t, "csssKi5RyE0tLk5MTwUA"))
		c := newTestConn(s, true, newTestExtension(t, nil))

		_, err := c.PullMessage()
		assert.Equal(t, "status", StatusProtocolError, CloseStatus(err))
	})

	t.Run("handshake", func(t *testing.T) {
		t.Parallel()

		ext := newTestExtension(t, &DeflateCompressor{
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		})

		cs := wstest.NewStream()
		client := newConn(cs, connConfig{client: true, middleware: middlewareStack{list: []Middleware{ext}}})
		u := mustURL(t, "ws://localhost:8000/my/mock/path")
		_, err := client.PushHTTP(newClientRequest(u, "dGhlIHNhbXBsZSBub25jZQ==", nil))
		assert.Success(t, err)
		assert.Equal(t, "offer", "permessage-deflate; server_no_context_takeover; client_no_context_takeover; server_max_window_bits=12; client_max_window_bits=10", client.HandshakeRequest().Header("Sec-WebSocket-Extensions"))

		ss := wstest.NewStream(cs.Written())
		server := newConn(ss, connConfig{middleware: middlewareStack{list: []Middleware{newTestExtension(t, nil)}}})
		m, err := server.PullHTTP()
		assert.Success(t, err)
		_, err = server.PushHTTP(acceptResponse(m.(*HandshakeRequest)))
		assert.Success(t, err)
		assert.Equal(t, "server config", &CompressionConfig{
			IsServer:                true,
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		}, server.CompressionConfig())

		cs.Feed(ss.Written())
		resp, err := client.PullHTTP()
		assert.Success(t, err)
		assert.Equal(t, "response", "permessage-deflate; server_no_context_takeover; client_no_context_takeover; server_max_window_bits=12; client_max_window_bits=10", resp.Header("Sec-WebSocket-Extensions"))
		assert.Equal(t, "client config", &CompressionConfig{
			ServerNoContextTakeover: true,
			ClientNoContextTakeover: true,
			ServerMaxWindowBits:     12,
			ClientMaxWindowBits:     10,
		}, client.CompressionConfig())
	})

	t.Run("rejectedHandshake", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream()
		s.FeedString("GET / HTTP/1.1\r\nHost: a\r\nSec-WebSocket-Extensions: permessage-deflate\r\n\r\n")
		server := newConn(s, connConfig{middleware: middlewareStack{list: []Middleware{newTestExtension(t, nil)}}})
		_, err := server.PullHTTP()
		assert.Success(t, err)

		_, err = server.PushHTTP(NewHandshakeResponse(426))
		assert.Success(t, err)
		assert.Equal(t, "wire", "HTTP/1.1 426 Upgrade Required\r\n\r\n", string(s.Written()))
		assert.True(t, "no compression", server.CompressionConfig() == nil)
	})
}

func mustParams(t *testing.T, s string) wsflate.Parameters {
	t.Helper()

	p, ok := parseDeflateParameters([]string{s})
	assert.True(t, "parsed "+s, ok)
	return p
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()

	u, err := url.Parse(s)
	assert.Success(t, err)
	return u
}

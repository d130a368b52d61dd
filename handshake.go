package wsengine

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/xerrors"
)

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// AcceptKey returns the Sec-WebSocket-Accept value for a Sec-WebSocket-Key.
// See https://tools.ietf.org/html/rfc6455#section-4.2.2
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newHandshakeKey() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", xerrors.Errorf("failed to generate Sec-WebSocket-Key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

const userAgent = "wsengine"

// newClientRequest builds the upgrade request for u.
// Headers in h override the defaults.
func newClientRequest(u *url.URL, key string, h http.Header) *HandshakeRequest {
	req := NewHandshakeRequest(http.MethodGet, u).
		WithHeader("User-Agent", userAgent).
		WithHeader("Connection", "Upgrade").
		WithHeader("Upgrade", "websocket").
		WithHeader("Sec-WebSocket-Key", key).
		WithHeader("Sec-WebSocket-Version", "13")

	if u.User != nil {
		pass, _ := u.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + pass))
		req = req.WithHeader("Authorization", "Basic "+auth)
	}

	for name, values := range h {
		req = req.WithoutHeader(name)
		for _, v := range values {
			req = req.WithAddedHeader(name, v)
		}
	}
	return req
}

func verifyServerResponse(u *url.URL, resp *HandshakeResponse, key string) error {
	if resp.Status != http.StatusSwitchingProtocols {
		return handshakeErrorf(resp.Status, resp, "invalid status code %d", resp.Status)
	}

	accept := resp.Header("Sec-WebSocket-Accept")
	if accept == "" {
		return handshakeErrorf(resp.Status, resp, "connection to %q failed: missing Sec-WebSocket-Accept", redactURL(u))
	}
	if accept != AcceptKey(key) {
		return handshakeErrorf(resp.Status, resp, "server sent bad upgrade response")
	}
	return nil
}

// verifyClientRequest checks an upgrade request. On failure it returns
// the error response to send before closing the stream.
func verifyClientRequest(req *HandshakeRequest) (*HandshakeResponse, error) {
	if req.Method != http.MethodGet {
		return NewHandshakeResponse(http.StatusMethodNotAllowed),
			handshakeErrorf(http.StatusMethodNotAllowed, nil, "handshake request method %q is not GET", req.Method)
	}

	upgradeRequired := NewHandshakeResponse(http.StatusUpgradeRequired)
	h := req.headers.h
	if !httpguts.HeaderValuesContainsToken(h.Values("Connection"), "Upgrade") {
		return upgradeRequired,
			handshakeErrorf(http.StatusUpgradeRequired, nil, "Connection header %q does not contain Upgrade", req.Header("Connection"))
	}
	if !httpguts.HeaderValuesContainsToken(h.Values("Upgrade"), "websocket") {
		return upgradeRequired,
			handshakeErrorf(http.StatusUpgradeRequired, nil, "Upgrade header %q does not contain websocket", req.Header("Upgrade"))
	}
	if v := req.Header("Sec-WebSocket-Version"); v != "13" {
		return upgradeRequired.WithHeader("Sec-WebSocket-Version", "13"),
			handshakeErrorf(http.StatusUpgradeRequired, nil, "unsupported protocol version %q", v)
	}

	key := req.Header("Sec-WebSocket-Key")
	if key == "" {
		return upgradeRequired,
			handshakeErrorf(http.StatusUpgradeRequired, nil, "missing Sec-WebSocket-Key")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return upgradeRequired,
			handshakeErrorf(http.StatusUpgradeRequired, nil, "invalid Sec-WebSocket-Key %q", key)
	}

	return nil, nil
}

func acceptResponse(req *HandshakeRequest) *HandshakeResponse {
	return NewHandshakeResponse(http.StatusSwitchingProtocols).
		WithHeader("Upgrade", "websocket").
		WithHeader("Connection", "Upgrade").
		WithHeader("Sec-WebSocket-Accept", AcceptKey(req.Header("Sec-WebSocket-Key")))
}

func redactURL(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	c := *u
	c.User = nil
	return c.String()
}

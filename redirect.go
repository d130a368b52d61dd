package wsengine

import (
	"net/url"
)

// FollowRedirect turns a 3xx handshake response carrying a Location header
// into a *RedirectError so the client reconnects to the new location.
// At most max consecutive redirects are followed; the count resets on any
// other response. A 3xx response without Location passes through.
type FollowRedirect struct {
	max      int
	attempts int
}

// NewFollowRedirect returns a FollowRedirect following up to max redirects.
func NewFollowRedirect(max int) *FollowRedirect {
	return &FollowRedirect{max: max}
}

func (fr *FollowRedirect) String() string {
	return "FollowRedirect"
}

func (fr *FollowRedirect) IncomingHandshake(c *Conn, next func() (HTTPMessage, error)) (HTTPMessage, error) {
	m, err := next()
	if err != nil {
		return nil, err
	}
	resp, ok := m.(*HandshakeResponse)
	if !ok || !c.client {
		return m, nil
	}
	if resp.Status < 300 || resp.Status >= 400 {
		fr.attempts = 0
		return m, nil
	}

	location := resp.Header("Location")
	if location == "" {
		return m, nil
	}
	if fr.attempts >= fr.max {
		return nil, handshakeErrorf(resp.Status, resp, "too many redirect attempts, giving up")
	}
	fr.attempts++

	u, err := url.Parse(location)
	if err != nil {
		return nil, handshakeErrorf(resp.Status, resp, "invalid redirect location %q: %v", location, err)
	}
	if c.req != nil && c.req.URL != nil {
		u = c.req.URL.ResolveReference(u)
	}
	c.log.Info().Str("location", u.String()).Int("attempt", fr.attempts).Msg("following redirect")
	return nil, &RedirectError{URL: u}
}

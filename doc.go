// Package wsengine is a WebSocket protocol engine implementing RFC 6455
// and the permessage-deflate extension of RFC 7692.
//
// A Conn wraps an established stream and exchanges typed messages
// through a middleware pipeline. Client and Server drive one or many
// connections from a single run loop that waits for readiness, reads
// the ready connections and dispatches events to Handlers.
//
// See https://tools.ietf.org/html/rfc6455
package wsengine

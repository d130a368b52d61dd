package wstest

import (
	"net"
	"testing"
)

// TCPPair returns both ends of a loopback TCP connection.
// Both are closed when the test finishes.
func TCPPair(tb testing.TB) (client, server net.Conn) {
	tb.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			errs <- err
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		tb.Fatalf("failed to dial: %v", err)
	}

	select {
	case server = <-accepted:
	case err := <-errs:
		client.Close()
		tb.Fatalf("failed to accept: %v", err)
	}

	tb.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// URL turns an http test server address into a ws URL.
func URL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

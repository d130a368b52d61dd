package main

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coder/wsengine"
	"github.com/coder/wsengine/internal/test/assert"
	"github.com/coder/wsengine/internal/test/xrand"
	"github.com/coder/wsengine/internal/xsync"
)

func Test_chatServer(t *testing.T) {
	t.Parallel()

	// A single client publishes a message and receives it back.
	t.Run("simple", func(t *testing.T) {
		t.Parallel()

		url := setupTest(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		cl := newClient(ctx, t, url)

		expMsg := xrand.String(512)
		assert.Success(t, cl.Text(ctx, expMsg))

		msg, err := cl.Receive(ctx)
		assert.Success(t, err)
		assert.Equal(t, "msg", expMsg, msg.(*wsengine.Text).Text())
	})

	// Every client sees every message published by every client.
	t.Run("broadcast", func(t *testing.T) {
		t.Parallel()

		const nclients = 4
		const nmessages = 4

		url := setupTest(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		var clients []*wsengine.Client
		for i := 0; i < nclients; i++ {
			clients = append(clients, newClient(ctx, t, url))
		}

		exp := map[string]struct{}{}
		for i, cl := range clients {
			for j := 0; j < nmessages; j++ {
				msg := strconv.Itoa(i) + ":" + xrand.String(32)
				exp[msg] = struct{}{}
				assert.Success(t, cl.Text(ctx, msg))
			}
		}

		for _, cl := range clients {
			got := map[string]struct{}{}
			for len(got) < len(exp) {
				m, err := cl.Receive(ctx)
				assert.Success(t, err)
				got[m.(*wsengine.Text).Text()] = struct{}{}
			}
			assert.Equal(t, "messages", exp, got)
		}
	})

	// A client publishing faster than its limiter allows is closed.
	t.Run("rateLimited", func(t *testing.T) {
		t.Parallel()

		url := setupTest(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		cl := newClient(ctx, t, url)
		for i := 0; i < 16; i++ {
			err := cl.Text(ctx, "spam")
			if err != nil {
				break
			}
		}

		for {
			m, err := cl.Receive(ctx)
			assert.Success(t, err)
			if cm, ok := m.(*wsengine.Close); ok {
				assert.Equal(t, "status", wsengine.StatusPolicyViolation, cm.Code())
				return
			}
		}
	})
}

// setupTest starts a chatServer and returns its URL.
// The server is shut down when the test ends.
func setupTest(t *testing.T) string {
	t.Helper()

	log := zerolog.Nop()
	cs, err := newChatServer("127.0.0.1:0", &log)
	assert.Success(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := xsync.Go(func() error {
		return cs.Start(ctx)
	})
	t.Cleanup(func() {
		cs.Stop()
		err := <-errs
		cancel()
		cs.Close()
		if err != nil {
			t.Errorf("chat server failed: %v", err)
		}
	})
	return "ws://" + cs.Addr().String()
}

func newClient(ctx context.Context, t *testing.T, url string) *wsengine.Client {
	t.Helper()

	c, err := wsengine.NewClient(url, nil)
	assert.Success(t, err)
	assert.Success(t, c.Connect(ctx))
	t.Cleanup(func() {
		c.Disconnect()
	})
	return c
}

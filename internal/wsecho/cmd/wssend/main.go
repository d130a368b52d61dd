package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coder/wsengine"
	"github.com/coder/wsengine/internal/wsecho"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080", "server to send to")
	text := flag.String("text", "hello", "message to send")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	redirects := flag.Int("redirects", 0, "number of redirects to follow")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	reply, err := run(*url, *text, *timeout, *redirects, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("wssend failed")
	}
	fmt.Println(reply)
}

func run(url, text string, timeout time.Duration, redirects int, log *zerolog.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mws := wsengine.DefaultMiddleware()
	if redirects > 0 {
		mws = append(mws, wsengine.NewFollowRedirect(redirects))
	}

	c, err := wsengine.NewClient(url, &wsengine.ClientOptions{
		Middleware: mws,
		Logger:     log,
	})
	if err != nil {
		return "", err
	}
	return wsecho.Send(ctx, c, text)
}

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/coder/wsengine"
	"github.com/coder/wsengine/internal/wsecho"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "address to listen on")
	compress := flag.Bool("compress", false, "accept permessage-deflate")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*debug {
		log = log.Level(zerolog.InfoLevel)
	}

	err := run(*addr, *compress, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("wsecho failed")
	}
}

func run(addr string, compress bool, log *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mws := wsengine.DefaultMiddleware()
	if compress {
		ext, err := wsengine.NewCompressionExtension(nil)
		if err != nil {
			return err
		}
		mws = append(mws, ext)
	}

	s, err := wsecho.Serve(ln, &wsengine.ServerOptions{
		Middleware: mws,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	log.Info().Str("url", "ws://"+ln.Addr().String()).Msg("listening")

	err = s.Start(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	err := run(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("chat failed")
	}
}

// run starts the chatServer on the address passed as the first argument
// and shuts it down gracefully on interrupt.
func run(log *zerolog.Logger) error {
	if len(os.Args) < 2 {
		return errors.New("please provide an address to listen on as the first argument")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cs, err := newChatServer(os.Args[1], log)
	if err != nil {
		return err
	}
	defer cs.Close()
	log.Info().Str("url", "ws://"+cs.Addr().String()).Msg("listening")

	err = cs.Start(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cs.Shutdown(ctx)
}

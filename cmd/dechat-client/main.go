package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/dechat"
	"github.com/emiago/dechat/transport"
)

func main() {
	debflag := flag.Bool("debug", false, "")
	ui := flag.Bool("ui", false, "Enable multi connection displays")
	nick := flag.String("nick", dechat.DefaultNickname, "Default nickname")
	network := flag.String("net", transport.NetworkTCP, "Transport: tcp or ws")
	flag.Parse()

	// Interleaving structured logs with the chat display makes both
	// unreadable, so the client stays quiet unless debugging.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.ErrorLevel)

	if *debflag {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	opts := []dechat.ClientOption{
		dechat.WithClientNickname(*nick),
		dechat.WithClientNetwork(*network),
	}
	if *ui {
		opts = append(opts, dechat.WithClientUI())
	}

	c, err := dechat.NewClient(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup client")
	}

	if err := c.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("Client stopped")
	}
}

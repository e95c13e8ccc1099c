package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/emiago/dechat"
	"github.com/emiago/dechat/transport"
)

func main() {
	debflag := flag.Bool("debug", false, "")
	autoRetry := flag.Bool("auto-retry", false, "Retry a failed bind every few seconds")
	network := flag.String("net", transport.NetworkTCP, "Transport: tcp or ws")
	tickrate := flag.Int("tickrate", dechat.DefaultTickrate, "Loop frequency in Hz")
	httpAddr := flag.String("http", "", "Metrics http address, empty disables")
	configDir := flag.String("config", "config", "Directory with MOTD.txt, HELP.txt, RULES.txt")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if *debflag {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	host := dechat.DefaultHost
	port := dechat.DefaultPort
	if args := flag.Args(); len(args) >= 2 {
		host = args[0]
		p, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal().Msgf("Bad port %q", args[1])
		}
		port = p
	}

	opts := []dechat.ServerOption{
		dechat.WithServerAddr(host, port),
		dechat.WithServerNetwork(*network),
		dechat.WithServerTickrate(*tickrate),
		dechat.WithServerConfigDir(*configDir),
	}
	if *autoRetry {
		opts = append(opts, dechat.WithServerAutoRetry())
	}

	srv, err := dechat.NewServer(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup server")
	}

	if *httpAddr != "" {
		go httpServer(*httpAddr)
	}

	sup := suture.NewSimple("dechat")
	sup.Add(srv)
	if err := sup.Serve(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})

	log.Info().Msgf("Http server started address=%s", address)
	http.ListenAndServe(address, nil)
}

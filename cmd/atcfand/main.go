// Command atcfand runs the live air-traffic fan-out service: it starts
// both ingestion adapters, posts their records onto the internal bus, and
// serves GDL90 traffic to TCP clients on the fixed front-end port.
//
// There is no run-time configuration beyond the flags below; every
// protocol tunable is a compile-time constant in its owning package
// (pool.ClientsMaxNB, bus.Group/Port, server.ListenAddr).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/samsamfire/atcfand/internal/metrics"
	"github.com/samsamfire/atcfand/pkg/bus"
	"github.com/samsamfire/atcfand/pkg/ingest/adsbhub"
	"github.com/samsamfire/atcfand/pkg/ingest/ogn"
	"github.com/samsamfire/atcfand/pkg/server"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9464", "internal Prometheus /metrics listen address")
	disableOGN := flag.Bool("disable-ogn", false, "disable the OGN ingestion adapter")
	disableADSBHub := flag.Bool("disable-adsbhub", false, "disable the ADSBHub ingestion adapter")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Error("metrics listener failed", "err", err)
		}
	}()

	if !*disableOGN {
		sender, err := bus.NewSender(log)
		if err != nil {
			log.Error("failed to start OGN adapter", "err", err)
			os.Exit(1)
		}
		go func() {
			defer sender.Close()
			ogn.Run(ctx, sender, nil, log)
		}()
	}

	if !*disableADSBHub {
		sender, err := bus.NewSender(log)
		if err != nil {
			log.Error("failed to start ADSBHub adapter", "err", err)
			os.Exit(1)
		}
		go func() {
			defer sender.Close()
			adsbhub.Run(ctx, sender, log)
		}()
	}

	srv, err := server.New(log)
	if err != nil {
		log.Error("failed to start server", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if err := srv.Run(); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

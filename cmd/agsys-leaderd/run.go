package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"time"

	"github.com/agsys-iot/leader-core/internal/api"
	"github.com/agsys-iot/leader-core/internal/leader"
	"github.com/agsys-iot/leader-core/pkg/metrics"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultShutdownTimeout = 5 * time.Second

type runCommand struct {
	db     string
	device string
	addr   string
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "run the leader in the foreground" }
func (*runCommand) Usage() string {
	return "run [--db path] [--device path] [--addr host:port]\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "agsys.json", "device/sensor store path")
	f.StringVar(&c.device, "device", "/dev/spidev0.0", "LoRa SPI device path")
	f.StringVar(&c.addr, "addr", ":8080", "HTTP API listen address")
}

func (c *runCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := newLogger()
	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)

	l, err := leader.New(leader.Config{
		DevicePath:  c.device,
		DBPath:      c.db,
		RadioConfig: radio.DefaultConfig(),
		Log:         log,
		Metrics:     metricsRegistry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start leader: %v\n", err)
		return subcommands.ExitFailure
	}
	l.Start()

	server := api.New(l, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: c.addr, Handler: server.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server error", "error", err)
		}
	}()

	fmt.Println("Leader running. Press Ctrl+C to stop.")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	l.Stop()

	os.Exit(130)
	return subcommands.ExitSuccess
}

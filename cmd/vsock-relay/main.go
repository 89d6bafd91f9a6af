package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/relay"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/topology"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/util/logging"
)

// Exit codes
const (
	exitSuccess = 0 // Relay completed (single-connection mode) or was interrupted
	exitError   = 1 // Configuration or runtime error
)

func main() {
	fs := flag.NewFlagSet("vsock-relay", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: vsock-relay --forward <host:port> [options]

Forwards bytes between a VSOCK listener and a TCP endpoint.

Options:
  --listen <port>        VSOCK port to listen on (default %d)
  --forward <host:port>  TCP target every connection is forwarded to (required)
  --fork                 Serve connections concurrently; without this flag the
                         relay serves one connection and exits
  --metrics-addr <addr>  Optional listen address for Prometheus metrics
  --dev                  Human-readable logging
`, topology.RelayListenPort)
	}

	listenPort := fs.Uint("listen", uint(topology.RelayListenPort), "VSOCK port to listen on")
	forward := fs.String("forward", "", "TCP host:port to forward to")
	fork := fs.Bool("fork", false, "serve connections concurrently")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address")
	dev := fs.Bool("dev", false, "development logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	logOpts := logging.DefaultOptions()
	logOpts.Development = *dev
	log := logging.Setup(logOpts)

	r, err := relay.New(relay.Config{
		ListenPort:  uint32(*listenPort),
		ForwardAddr: *forward,
		Fork:        *fork,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(exitError)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error(err, "metrics listener failed", "addr", *metricsAddr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.ListenAndServe(ctx); err != nil {
		log.Error(err, "relay failed")
		os.Exit(exitError)
	}

	os.Exit(exitSuccess)
}

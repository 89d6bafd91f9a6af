package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/harness"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/topology"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/util/logging"
)

// Exit codes
const (
	exitSuccess = 0 // Clean guest completion
	exitError   = 1 // Validation, provisioning, build or spawn failure
)

// configFileEnvVar optionally points at a YAML file overriding collaborator
// commands and directories.
const configFileEnvVar = "HARNESS_CONFIG"

func main() {
	fs := flag.NewFlagSet("tls-harness", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: tls-harness --test <client|server> [options]

Provisions a test PKI and orchestrates the VSOCK relay, the TLS peer program
and the guest VM to exercise the TLS-over-VSOCK path end to end.

Options:
  -t, --test <client|server>  Which side of the TLS handshake the guest plays (required)
  -p, --port <PORT>           TCP port of the host-side TLS peer (default 4433)
      --host <HOST>           Host the relay forwards to (default localhost)
  -ng, --no-gen-certs         Reuse the existing certificate bundle; fail if incomplete
  -nc, --no-compile           Skip the build step
      --qemu <value>          Propagated to the guest launcher
      --dev                   Human-readable logging

Environment Variables:
  %s              Optional YAML config file for collaborator commands
  QEMU                        Guest launcher VMM selection (diagnostics only)
`, configFileEnvVar)
	}

	var (
		roleRaw    string
		port       int
		host       string
		noGenCerts bool
		noCompile  bool
		qemu       string
		dev        bool
	)

	fs.StringVar(&roleRaw, "test", "", "role of the guest under test")
	fs.StringVar(&roleRaw, "t", "", "role of the guest under test (shorthand)")
	fs.IntVar(&port, "port", 4433, "TCP port of the host-side TLS peer")
	fs.IntVar(&port, "p", 4433, "TCP port of the host-side TLS peer (shorthand)")
	fs.StringVar(&host, "host", "localhost", "host the relay forwards to")
	fs.BoolVar(&noGenCerts, "no-gen-certs", false, "reuse the existing certificate bundle")
	fs.BoolVar(&noGenCerts, "ng", false, "reuse the existing certificate bundle (shorthand)")
	fs.BoolVar(&noCompile, "no-compile", false, "skip the build step")
	fs.BoolVar(&noCompile, "nc", false, "skip the build step (shorthand)")
	fs.StringVar(&qemu, "qemu", "", "value propagated to the guest launcher")
	fs.BoolVar(&dev, "dev", false, "development logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	// Role validation happens before any side effect.
	role, err := topology.ParseRole(roleRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(exitError)
	}

	cfg := harness.DefaultConfig()
	if path := os.Getenv(configFileEnvVar); path != "" {
		cfg, err = harness.LoadConfigFile(cfg, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitError)
		}
	}

	cfg.Role = role
	cfg.Host = host
	cfg.Port = port
	cfg.GenerateCerts = !noGenCerts
	cfg.Compile = !noCompile
	cfg.QEMU = qemu

	logOpts := logging.DefaultOptions()
	logOpts.Development = dev
	log := logging.Setup(logOpts)

	// Teardown must run on interrupt/termination at any point after the
	// first spawn; the harness observes cancellation and unwinds.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := harness.New(cfg, log).Run(ctx)
	if err != nil {
		log.Error(err, "run failed")
		if code == 0 {
			code = exitError
		}
	}

	os.Exit(code)
}

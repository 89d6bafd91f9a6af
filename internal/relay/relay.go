// Package relay forwards bytes between a VSOCK listener and a TCP endpoint.
// It is the native replacement for the socat hop the guest's TLS path crosses
// on its way to the host-side peer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrForwardAddrRequired = errors.New("forward address is required")
	errListenVSOCK         = errors.New("failed to listen on vsock")
	errAccept              = errors.New("failed to accept connection")
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Connections accepted on the VSOCK listener.",
	})
	forwardedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_forwarded_bytes_total",
		Help: "Bytes forwarded, labeled by direction.",
	}, []string{"direction"})
)

const defaultDialTimeout = 10 * time.Second

// Config describes one relay instance.
type Config struct {
	// ListenPort is the VSOCK port to bind.
	ListenPort uint32
	// ForwardAddr is the TCP host:port every accepted connection is spliced to.
	ForwardAddr string
	// Fork serves accepted connections concurrently. Without it the relay
	// serves exactly one connection and returns, matching the
	// single-connection launcher variant.
	Fork bool
	// DialTimeout bounds the TCP dial to ForwardAddr.
	DialTimeout time.Duration
}

// Relay accepts VSOCK connections and splices them onto TCP.
type Relay struct {
	cfg Config
	log logr.Logger
}

// New validates cfg and returns a Relay.
func New(cfg Config, log logr.Logger) (*Relay, error) {
	if cfg.ForwardAddr == "" {
		return nil, ErrForwardAddrRequired
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Relay{cfg: cfg, log: log}, nil
}

// ListenAndServe binds the VSOCK port and serves until ctx is canceled or, in
// single-connection mode, until the first connection completes.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	ln, err := vsock.Listen(r.cfg.ListenPort, nil)
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", errListenVSOCK, r.cfg.ListenPort, err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the accept loop on an arbitrary listener. Split from
// ListenAndServe so the forwarding path can be exercised over TCP in tests.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	// Unblock Accept on cancellation.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	r.log.Info("relay listening",
		"addr", ln.Addr().String(), "forward", r.cfg.ForwardAddr, "fork", r.cfg.Fork)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errAccept, err)
		}
		connectionsTotal.Inc()

		if !r.cfg.Fork {
			r.splice(conn)
			return nil
		}
		go r.splice(conn)
	}
}

// splice connects the accepted connection to the forward target and copies
// bytes both ways until either side closes.
func (r *Relay) splice(conn net.Conn) {
	defer conn.Close()

	backend, err := net.DialTimeout("tcp", r.cfg.ForwardAddr, r.cfg.DialTimeout)
	if err != nil {
		r.log.Error(err, "failed to dial forward target", "forward", r.cfg.ForwardAddr)
		return
	}
	defer backend.Close()

	done := make(chan struct{})
	go func() {
		n, _ := io.Copy(backend, conn)
		forwardedBytes.WithLabelValues("guest_to_host").Add(float64(n))
		closeWrite(backend)
		close(done)
	}()

	n, _ := io.Copy(conn, backend)
	forwardedBytes.WithLabelValues("host_to_guest").Add(float64(n))
	closeWrite(conn)
	<-done

	r.log.V(1).Info("connection closed", "remote", conn.RemoteAddr().String())
}

// closeWrite half-closes the write side where the transport supports it, so
// the peer observes EOF without losing the read direction.
func closeWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

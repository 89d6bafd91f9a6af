// Package topology maps a test role onto the pair of TLS-path endpoints the
// supervisor spawns: the VSOCK↔TCP relay and the host-side TLS peer program.
package topology

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrInvalidRole indicates a role outside {client, server}. Rejected
	// before any process is spawned.
	ErrInvalidRole = errors.New("invalid role: must be \"client\" or \"server\"")
)

// Role is which side of the TLS handshake the guest-under-test plays. It is
// resolved once at the CLI boundary; nothing deeper in the system dispatches
// on the raw string again.
type Role string

const (
	// RoleClient: the guest plays the TLS client.
	RoleClient Role = "client"
	// RoleServer: the guest plays the TLS server.
	RoleServer Role = "server"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleClient:
		return RoleClient, nil
	case RoleServer:
		return RoleServer, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidRole, raw)
	}
}

// RelayListenPort is the fixed VSOCK port the relay listens on. The guest's
// TLS path always dials the host on this port.
const RelayListenPort uint32 = 4433

// PeerKind selects which TLS peer program runs on the host side.
type PeerKind string

const (
	// PeerTLSClient exercises a guest TLS server.
	PeerTLSClient PeerKind = "tls-client"
	// PeerTLSServer terminates connections from a guest TLS client.
	PeerTLSServer PeerKind = "tls-server"
)

// Topology is the derived, read-only endpoint layout for one run. Given
// identical (role, host, port) inputs Select always yields an identical
// topology.
type Topology struct {
	Role Role
	Host string
	Port int

	// RelayListenPort is the VSOCK port the relay binds.
	RelayListenPort uint32
	// RelayForwardAddr is the host:port the relay forwards to.
	RelayForwardAddr string
	// RelayFork enables per-connection fan-out in the relay. Set for
	// client-under-test runs where the guest may open several connections.
	RelayFork bool

	// Peer is the TLS peer program variant spawned for this run.
	Peer PeerKind
}

// Select computes the topology for a validated role.
//
// Server-under-test: the relay forwards to host:port and the local peer is a
// TLS client reaching the guest through the relay. Client-under-test: same
// relay path with forking enabled, and the local peer is a TLS server that
// the relay's forwarded connections ultimately reach.
func Select(role Role, host string, port int) (Topology, error) {
	if role != RoleClient && role != RoleServer {
		return Topology{}, fmt.Errorf("%w: got %q", ErrInvalidRole, role)
	}

	topo := Topology{
		Role:             role,
		Host:             host,
		Port:             port,
		RelayListenPort:  RelayListenPort,
		RelayForwardAddr: net.JoinHostPort(host, strconv.Itoa(port)),
	}

	switch role {
	case RoleServer:
		topo.Peer = PeerTLSClient
	case RoleClient:
		topo.Peer = PeerTLSServer
		topo.RelayFork = true
	}

	return topo, nil
}

// PeerArgs is the positional argument contract of the TLS peer programs:
// key path, certificate path, port, host.
func (t Topology) PeerArgs(keyPath, certPath string) []string {
	return []string{keyPath, certPath, strconv.Itoa(t.Port), t.Host}
}

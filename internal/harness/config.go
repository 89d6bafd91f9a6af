package harness

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/supervisor"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/topology"
)

var (
	errReadConfigFile  = errors.New("failed to read config file")
	errParseConfigFile = errors.New("failed to parse config file")
	errParseGrace      = errors.New("failed to parse gracePeriod")
)

// GuestCID is the VSOCK context ID assigned to the guest VM. The guest
// launcher receives it so the guest's TLS path and the host relay agree on
// the channel.
const GuestCID uint32 = 3

// Config drives one orchestration run. Zero values are filled in by
// DefaultConfig; CLI flags override file values which override defaults.
type Config struct {
	// Role, Host and Port come from the CLI.
	Role topology.Role
	Host string
	Port int

	// GenerateCerts regenerates the PKI bundle; when false a pre-existing
	// complete bundle is required.
	GenerateCerts bool
	// Compile runs the external build step before launching endpoints.
	Compile bool
	// QEMU is propagated verbatim to the guest launcher when non-empty.
	QEMU string

	// CertDir is the PKI bundle directory.
	CertDir string
	// LogDir receives relay.log and tls-peer.log.
	LogDir string
	// ServedFile is the transient test page written for client-under-test
	// runs and removed during teardown.
	ServedFile string

	// GracePeriod bounds teardown's SIGTERM-to-SIGKILL wait.
	GracePeriod time.Duration

	// Collaborator argv prefixes. The harness appends each collaborator's
	// contract arguments.
	RelayCmd      []string
	PeerServerCmd []string
	PeerClientCmd []string
	GuestCmd      []string
	BuildCmd      []string

	// Env and Wrapper are applied to every spawned process.
	Env     map[string]string
	Wrapper []string
}

// DefaultConfig returns the built-in collaborator layout matching the
// repository's conventional paths.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          4433,
		GenerateCerts: true,
		Compile:       true,
		CertDir:       "certificates",
		LogDir:        ".",
		ServedFile:    "index.html",
		GracePeriod:   supervisor.DefaultGracePeriod,
		RelayCmd:      []string{"vsock-relay"},
		PeerServerCmd: []string{"python3", "examples/web_server.py"},
		PeerClientCmd: []string{"python3", "examples/web_client.py"},
		GuestCmd:      []string{"./scripts/launch_guest.sh"},
		BuildCmd:      []string{"cargo", "build"},
	}
}

// fileConfig is the YAML shape of the optional config file. Every field is
// optional; absent fields keep their current value.
type fileConfig struct {
	CertDir       string            `json:"certDir,omitempty"`
	LogDir        string            `json:"logDir,omitempty"`
	ServedFile    string            `json:"servedFile,omitempty"`
	GracePeriod   string            `json:"gracePeriod,omitempty"`
	RelayCmd      []string          `json:"relayCmd,omitempty"`
	PeerServerCmd []string          `json:"peerServerCmd,omitempty"`
	PeerClientCmd []string          `json:"peerClientCmd,omitempty"`
	GuestCmd      []string          `json:"guestCmd,omitempty"`
	BuildCmd      []string          `json:"buildCmd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Wrapper       []string          `json:"wrapper,omitempty"`
}

// LoadConfigFile overlays the YAML file at path onto cfg.
func LoadConfigFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", errReadConfigFile, err)
	}

	fc := fileConfig{}
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return cfg, fmt.Errorf("%w: %v", errParseConfigFile, err)
	}

	if fc.CertDir != "" {
		cfg.CertDir = fc.CertDir
	}
	if fc.LogDir != "" {
		cfg.LogDir = fc.LogDir
	}
	if fc.ServedFile != "" {
		cfg.ServedFile = fc.ServedFile
	}
	if fc.GracePeriod != "" {
		d, err := time.ParseDuration(fc.GracePeriod)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", errParseGrace, err)
		}
		cfg.GracePeriod = d
	}
	if len(fc.RelayCmd) > 0 {
		cfg.RelayCmd = fc.RelayCmd
	}
	if len(fc.PeerServerCmd) > 0 {
		cfg.PeerServerCmd = fc.PeerServerCmd
	}
	if len(fc.PeerClientCmd) > 0 {
		cfg.PeerClientCmd = fc.PeerClientCmd
	}
	if len(fc.GuestCmd) > 0 {
		cfg.GuestCmd = fc.GuestCmd
	}
	if len(fc.BuildCmd) > 0 {
		cfg.BuildCmd = fc.BuildCmd
	}
	if len(fc.Env) > 0 {
		cfg.Env = fc.Env
	}
	if len(fc.Wrapper) > 0 {
		cfg.Wrapper = fc.Wrapper
	}

	return cfg, nil
}

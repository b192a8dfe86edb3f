// Package config holds the configuration shared by the client and server
// commands: YAML file first, then CLI flags, then Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emessiha/tunner/internal/protocol"
	"github.com/emessiha/tunner/internal/tunnel"
)

// Role is which end of the tunnel this process runs.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Mode selects how the server treats its forward target.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeTest Mode = "test" // server also runs an echo server on the target
)

// Transport names the link tunnels run over.
type Transport string

const (
	TransportSSH       Transport = "ssh"
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"
	TransportWebRTC    Transport = "webrtc"
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Address is a host and port pair.
type Address struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Remote describes how the client reaches the server.
type Remote struct {
	Transport   Transport `yaml:"transport"`
	Host        string    `yaml:"host"`         // SSH or TCP server
	Port        int       `yaml:"port"`         // SSH port, or tunnel port for tcp
	ForwardPort int       `yaml:"forward_port"` // server tunnel port, as seen from the SSH host
	URL         string    `yaml:"url"`          // ws and webrtc
	Token       string    `yaml:"token"`
	User        string    `yaml:"user"`
	Password    string    `yaml:"password"`
	KeyFile     string    `yaml:"key_file"`
	Passphrase  string    `yaml:"passphrase"`
	HostKey     string    `yaml:"host_key"` // authorized_keys line to pin
	ICEServers  []string  `yaml:"ice_servers"`
}

// WebSocket is the server's HTTP endpoint serving /tunnel and /signal.
type WebSocket struct {
	Listen     string   `yaml:"listen"`
	Token      string   `yaml:"token"`
	ICEServers []string `yaml:"ice_servers"`
}

// SSHD is the server's embedded SSH endpoint.
type SSHD struct {
	Listen             string            `yaml:"listen"`
	HostKeyFile        string            `yaml:"host_key_file"`
	Users              map[string]string `yaml:"users"` // user -> bcrypt hash
	AuthorizedKeysFile string            `yaml:"authorized_keys"`
}

// Tunnel tunes the tunnel manager.
type Tunnel struct {
	Capacity      int      `yaml:"capacity"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	Keepalive     Duration `yaml:"keepalive"`
	MaxPending    int      `yaml:"max_pending"`
	MaxChunk      int      `yaml:"max_chunk"`
	DialTimeout   Duration `yaml:"dial_timeout"`
	StatsInterval Duration `yaml:"stats_interval"`
}

// Config is everything the client or server command needs.
type Config struct {
	Role     Role   `yaml:"-"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	Mode     Mode   `yaml:"mode"`

	// Client: where end users connect. Server: where tunnels arrive over
	// plain TCP (and SSH port forwards land).
	Listen Address `yaml:"listen"`

	Remote    Remote    `yaml:"remote"`
	Target    Address   `yaml:"target"`
	WebSocket WebSocket `yaml:"websocket"`
	SSHD      SSHD      `yaml:"sshd"`
	Tunnel    Tunnel    `yaml:"tunnel"`
}

// Default returns the configuration used when nothing else is given.
func Default(role Role) Config {
	return Config{
		Role:     role,
		LogLevel: "info",
		Mode:     ModeProd,
		Listen:   Address{Host: "127.0.0.1", Port: 8080},
		Remote: Remote{
			Transport:   TransportSSH,
			Port:        22,
			ForwardPort: 8080,
		},
		Target: Address{Host: "127.0.0.1", Port: 8888},
		Tunnel: Tunnel{
			Capacity:      tunnel.DefaultCapacity,
			IdleTimeout:   Duration(tunnel.DefaultIdleTimeout),
			SweepInterval: Duration(tunnel.DefaultSweepInterval),
			Keepalive:     Duration(tunnel.DefaultKeepalive),
			MaxPending:    tunnel.DefaultMaxPending,
			MaxChunk:      protocol.DefaultMaxChunk,
			DialTimeout:   Duration(tunnel.DefaultDialTimeout),
			StatsInterval: Duration(10 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults for role. An empty
// path returns the defaults. Unknown keys are an error.
func Load(path string, role Role) (Config, error) {
	cfg := Default(role)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ManagerOptions maps the tunnel section onto manager options.
func (c Config) ManagerOptions() tunnel.ManagerOptions {
	side := tunnel.Client
	if c.Role == RoleServer {
		side = tunnel.Server
	}
	return tunnel.ManagerOptions{
		Side:          side,
		Capacity:      c.Tunnel.Capacity,
		MaxPending:    c.Tunnel.MaxPending,
		MaxChunk:      c.Tunnel.MaxChunk,
		Keepalive:     c.Tunnel.Keepalive.Duration(),
		IdleTimeout:   c.Tunnel.IdleTimeout.Duration(),
		SweepInterval: c.Tunnel.SweepInterval.Duration(),
		DialTimeout:   c.Tunnel.DialTimeout.Duration(),
	}
}

// Package config holds the process configuration: a YAML file for the
// durable settings and command-line flags that override it.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/p2pbus/internal/protocol"
)

// Role is what the process does once its router is up.
type Role string

const (
	RoleRouter   Role = "router"   // route for others, host nothing
	RoleService  Role = "service"  // bind a session port and accept joiners
	RoleClient   Role = "client"   // join a session on another router
	RoleDiscover Role = "discover" // gather ICE candidates and print them
)

// Roles lists every role in menu order.
var Roles = []Role{RoleRouter, RoleService, RoleClient, RoleDiscover}

// Config is the whole process configuration.
type Config struct {
	Role       Role          `yaml:"role"`
	Router     RouterConfig  `yaml:"router"`
	Transports Transports    `yaml:"transports"`
	NAT        NATConfig     `yaml:"nat"`
	Peers      []Peer        `yaml:"peers"`
	Session    SessionConfig `yaml:"session"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Log        LogConfig     `yaml:"log"`
}

type RouterConfig struct {
	GUID string `yaml:"guid"` // unique-name prefix, generated when empty
}

type Transports struct {
	MTU int       `yaml:"mtu"` // packet size, bounds a single message
	TCP TCPConfig `yaml:"tcp"`
	UDP UDPConfig `yaml:"udp"`
	ICE ICEConfig `yaml:"ice"`
}

type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type UDPConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Listen     string   `yaml:"listen"` // signaling server address
	ICEServers []string `yaml:"ice_servers"`
	Loopback   bool     `yaml:"loopback"`
}

// ICEConfig enables bus ICE links. Each link gathers candidates with the
// nat settings on a socket bound to Bind.
type ICEConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Listen    string        `yaml:"listen"` // signaling server address
	Bind      string        `yaml:"bind"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// NATConfig configures candidate gathering.
type NATConfig struct {
	STUNServer   string           `yaml:"stun_server"`
	TURNServer   string           `yaml:"turn_server"`
	TURNUsername string           `yaml:"turn_username"`
	TURNPassword string           `yaml:"turn_password"`
	Retransmit   RetransmitConfig `yaml:"retransmit"`
	KeepAlive    time.Duration    `yaml:"keepalive"`
	// AdvertisePublic hands the gathered server-reflexive address to the
	// UDP transport as a NAT 1:1 mapping.
	AdvertisePublic bool `yaml:"advertise_public"`
}

type RetransmitConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialTimeout time.Duration `yaml:"initial_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
}

// Peer is a router reachable at fixed addresses.
type Peer struct {
	GUID string `yaml:"guid"`
	TCP  string `yaml:"tcp"`
	UDP  string `yaml:"udp"`
	ICE  string `yaml:"ice"`
}

// SessionConfig is used by the service and client roles.
type SessionConfig struct {
	Host        string        `yaml:"host"` // client: unique name of the hosting attachment
	Name        string        `yaml:"name"` // service: well-known name to request
	Port        uint16        `yaml:"port"`
	Transports  string        `yaml:"transports"`
	Multipoint  bool          `yaml:"multipoint"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

type MetricsConfig struct {
	Listen         string        `yaml:"listen"` // empty disables /metrics
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LogConfig struct {
	Debug     bool `yaml:"debug"`
	LockTrace bool `yaml:"lock_trace"`
}

// Default returns a configuration with TCP on and everything else off.
func Default() *Config {
	return &Config{
		Role: RoleRouter,
		Transports: Transports{
			TCP: TCPConfig{Enabled: true, Listen: ":9955"},
			UDP: UDPConfig{Listen: ":9956"},
			ICE: ICEConfig{Listen: ":9957", Bind: "0.0.0.0:0", KeepAlive: 5 * time.Second},
		},
		NAT: NATConfig{
			Retransmit: RetransmitConfig{
				MaxAttempts:    7,
				InitialTimeout: 500 * time.Millisecond,
				MaxTimeout:     8 * time.Second,
				MaxElapsed:     40 * time.Second,
			},
			KeepAlive: 15 * time.Second,
		},
		Session: SessionConfig{
			Port:        42,
			Transports:  "any",
			JoinTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{ReportInterval: time.Second},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleRouter, RoleService, RoleClient, RoleDiscover:
	default:
		errs = append(errs, fmt.Errorf("role %q: want one of router, service, client, discover", c.Role))
	}
	if c.Router.GUID != "" && !protocol.ValidGUIDPrefix(c.Router.GUID) {
		errs = append(errs, fmt.Errorf("router.guid %q: want %d alphanumerics", c.Router.GUID, protocol.GUIDPrefixLen))
	}
	if c.Role != RoleDiscover && !c.Transports.TCP.Enabled && !c.Transports.UDP.Enabled && !c.Transports.ICE.Enabled {
		errs = append(errs, errors.New("transports: enable tcp, udp or ice"))
	}
	if c.Transports.ICE.Enabled && c.Transports.ICE.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("transports.ice.keepalive %s: must be positive", c.Transports.ICE.KeepAlive))
	}
	if c.Transports.MTU < 0 {
		errs = append(errs, fmt.Errorf("transports.mtu %d: must not be negative", c.Transports.MTU))
	}

	for _, s := range []struct{ key, addr string }{
		{"nat.stun_server", c.NAT.STUNServer},
		{"nat.turn_server", c.NAT.TURNServer},
	} {
		if s.addr == "" {
			continue
		}
		if _, err := netip.ParseAddrPort(s.addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	if c.NAT.TURNServer != "" && (c.NAT.TURNUsername == "" || c.NAT.TURNPassword == "") {
		errs = append(errs, errors.New("nat.turn_server needs turn_username and turn_password"))
	}

	for i, p := range c.Peers {
		if !protocol.ValidGUIDPrefix(p.GUID) {
			errs = append(errs, fmt.Errorf("peers[%d].guid %q: want %d alphanumerics", i, p.GUID, protocol.GUIDPrefixLen))
		}
		if p.TCP == "" && p.UDP == "" && p.ICE == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: no address", i))
		}
	}

	if c.Session.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.join_timeout %s: must be positive", c.Session.JoinTimeout))
	}
	if _, err := protocol.ParseTransportMask(c.Session.Transports); err != nil {
		errs = append(errs, fmt.Errorf("session.transports: %w", err))
	}
	if c.Role == RoleClient {
		if !protocol.IsUniqueName(c.Session.Host) && !strings.Contains(c.Session.Host, ".") {
			errs = append(errs, fmt.Errorf("session.host %q: want a unique or well-known name", c.Session.Host))
		}
		if c.Session.Port == 0 {
			errs = append(errs, errors.New("session.port: a client must name the port"))
		}
	}
	return errors.Join(errs...)
}

// SessionOpts builds the session options of the service and client roles.
func (c *Config) SessionOpts() protocol.SessionOpts {
	opts := protocol.DefaultSessionOpts()
	if m, err := protocol.ParseTransportMask(c.Session.Transports); err == nil && m != 0 {
		opts.Transports = m
	}
	opts.IsMultipoint = c.Session.Multipoint
	return opts
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flags are the command-line overrides. Only flags given on the command
// line replace file values.
type Flags struct {
	fs *pflag.FlagSet

	path       string
	role       string
	debug      bool
	lockTrace  bool
	guid       string
	tcpListen  string
	udpListen  string
	iceListen  string
	peers      []string
	host       string
	name       string
	port       uint16
	transports string
	multipoint bool
	metrics    string
}

// NewFlags registers the flags on a new set named after the program.
func NewFlags(program string) *Flags {
	f := &Flags{fs: pflag.NewFlagSet(program, pflag.ContinueOnError)}
	fs := f.fs
	fs.StringVarP(&f.path, "config", "c", "", "YAML config file")
	fs.StringVarP(&f.role, "role", "r", "", "router, service, client or discover (interactive when omitted)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&f.lockTrace, "lock-trace", false, "log slow lock acquisitions")
	fs.StringVar(&f.guid, "guid", "", "router unique-name prefix")
	fs.StringVar(&f.tcpListen, "tcp-listen", "", "TCP transport listen address, \"off\" disables it")
	fs.StringVar(&f.udpListen, "udp-listen", "", "UDP transport signaling address, \"off\" disables it")
	fs.StringVar(&f.iceListen, "ice-listen", "", "ICE transport signaling address, \"off\" disables it")
	fs.StringArrayVar(&f.peers, "peer", nil, "known router as guid=tcp:host:port[,udp:host:port][,ice:host:port] (repeatable)")
	fs.StringVar(&f.host, "host", "", "client: unique name of the session host")
	fs.StringVar(&f.name, "name", "", "service: well-known name to request")
	fs.Uint16Var(&f.port, "port", 0, "session port")
	fs.StringVar(&f.transports, "transports", "", "session transports, e.g. tcp|udp")
	fs.BoolVar(&f.multipoint, "multipoint", false, "service: bind a multipoint session")
	fs.StringVar(&f.metrics, "metrics", "", "serve /metrics on this address")
	return f
}

// FlagSet exposes the underlying set, for usage output.
func (f *Flags) FlagSet() *pflag.FlagSet { return f.fs }

// Parse parses args, which exclude the program name.
func (f *Flags) Parse(args []string) error {
	return f.fs.Parse(args)
}

// RoleGiven reports whether --role was on the command line.
func (f *Flags) RoleGiven() bool { return f.fs.Changed("role") }

// Load builds the configuration: defaults, then the --config file, then
// the flags that were set. The result is not validated.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()
	if f.path != "" {
		var err error
		if cfg, err = Load(f.path); err != nil {
			return nil, err
		}
	}
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) error {
	changed := f.fs.Changed
	if changed("role") {
		cfg.Role = Role(strings.ToLower(f.role))
	}
	if changed("debug") {
		cfg.Log.Debug = f.debug
	}
	if changed("lock-trace") {
		cfg.Log.LockTrace = f.lockTrace
	}
	if changed("guid") {
		cfg.Router.GUID = f.guid
	}
	if changed("tcp-listen") {
		cfg.Transports.TCP.Enabled = f.tcpListen != "off"
		if cfg.Transports.TCP.Enabled {
			cfg.Transports.TCP.Listen = f.tcpListen
		}
	}
	if changed("udp-listen") {
		cfg.Transports.UDP.Enabled = f.udpListen != "off"
		if cfg.Transports.UDP.Enabled {
			cfg.Transports.UDP.Listen = f.udpListen
		}
	}
	if changed("ice-listen") {
		cfg.Transports.ICE.Enabled = f.iceListen != "off"
		if cfg.Transports.ICE.Enabled {
			cfg.Transports.ICE.Listen = f.iceListen
		}
	}
	for _, raw := range f.peers {
		p, err := ParsePeer(raw)
		if err != nil {
			return err
		}
		cfg.Peers = append(cfg.Peers, p)
	}
	if changed("host") {
		cfg.Session.Host = f.host
	}
	if changed("name") {
		cfg.Session.Name = f.name
	}
	if changed("port") {
		cfg.Session.Port = f.port
	}
	if changed("transports") {
		cfg.Session.Transports = f.transports
	}
	if changed("multipoint") {
		cfg.Session.Multipoint = f.multipoint
	}
	if changed("metrics") {
		cfg.Metrics.Listen = f.metrics
	}
	return nil
}

// ParsePeer parses guid=tcp:host:port[,udp:host:port][,ice:host:port].
func ParsePeer(s string) (Peer, error) {
	guid, addrs, ok := strings.Cut(s, "=")
	if !ok || guid == "" || addrs == "" {
		return Peer{}, fmt.Errorf("peer %q: want guid=transport:address", s)
	}
	p := Peer{GUID: strings.TrimSpace(guid)}
	for _, part := range strings.Split(addrs, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || addr == "" {
			return Peer{}, fmt.Errorf("peer %q: address %q has no transport", s, part)
		}
		switch strings.ToLower(name) {
		case "tcp":
			p.TCP = addr
		case "udp":
			p.UDP = addr
		case "ice":
			p.ICE = addr
		default:
			return Peer{}, fmt.Errorf("peer %q: unknown transport %q", s, name)
		}
	}
	return p, nil
}

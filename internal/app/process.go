// Package app assembles one p2pbus process from its configuration: the
// router and its session manager, the transports, NAT discovery and the
// metrics endpoint, then runs the configured role on top.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/p2pbus/internal/config"
	"github.com/1ureka/p2pbus/internal/ice"
	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/session"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/transport"
	"github.com/1ureka/p2pbus/internal/util"
)

// Process is everything one running router owns. It replaces process-wide
// singletons: components receive what they need from here.
type Process struct {
	cfg *config.Config

	stats      *util.Stats
	pool       *packet.Pool
	router     *router.Router
	sessions   *session.Manager
	resolver   *session.Resolver
	transports []transport.Transport

	mux        *ice.Mux
	gatherer   *ice.Gatherer
	candidates []*ice.Candidate

	metrics *http.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds the process. When NAT discovery is configured it gathers
// candidates before the UDP transport is created, so the reflexive
// address can be advertised; ctx bounds that.
func New(ctx context.Context, cfg *config.Config) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log.Debug {
		util.EnableDebug()
	}
	syncx.SetLockTrace(cfg.Log.LockTrace)

	p := &Process{cfg: cfg, stats: util.NewStats()}
	p.pool = packet.NewPool(cfg.Transports.MTU, p.stats)

	if cfg.Role == config.RoleDiscover || cfg.NAT.AdvertisePublic {
		if err := p.discover(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}

	var mask protocol.TransportMask
	if cfg.Transports.TCP.Enabled {
		p.transports = append(p.transports, transport.NewTCP(cfg.Transports.TCP.Listen, p.pool, p.stats))
		mask |= protocol.TransportTCP
	}
	if cfg.Transports.UDP.Enabled {
		p.transports = append(p.transports, transport.NewUDP(transport.UDPConfig{
			Listen:     cfg.Transports.UDP.Listen,
			ICEServers: cfg.Transports.UDP.ICEServers,
			PublicIPs:  p.publicIPs(),
			Loopback:   cfg.Transports.UDP.Loopback,
		}, p.pool, p.stats))
		mask |= protocol.TransportUDP
	}
	if cfg.Transports.ICE.Enabled {
		p.transports = append(p.transports, transport.NewICE(transport.ICEConfig{
			Listen:    cfg.Transports.ICE.Listen,
			Bind:      cfg.Transports.ICE.Bind,
			Gather:    p.gatherConfig(),
			KeepAlive: cfg.Transports.ICE.KeepAlive,
		}, p.pool, p.stats))
		mask |= protocol.TransportICE
	}

	r, err := router.New(router.Config{GUID: cfg.Router.GUID, Stats: p.stats, Transports: mask})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}
	p.router = r

	p.resolver = session.NewResolver()
	for _, peer := range cfg.Peers {
		if peer.TCP != "" {
			p.resolver.Add(peer.GUID, transport.NameTCP, peer.TCP)
		}
		if peer.UDP != "" {
			p.resolver.Add(peer.GUID, transport.NameUDP, peer.UDP)
		}
		if peer.ICE != "" {
			p.resolver.Add(peer.GUID, transport.NameICE, peer.ICE)
		}
	}
	p.sessions = session.New(session.Config{
		Router:      r,
		Transports:  p.transports,
		Resolver:    p.resolver,
		JoinTimeout: cfg.Session.JoinTimeout,
	})
	return p, nil
}

func (p *Process) Config() *config.Config            { return p.cfg }
func (p *Process) Stats() *util.Stats                { return p.stats }
func (p *Process) Router() *router.Router            { return p.router }
func (p *Process) Sessions() *session.Manager        { return p.sessions }
func (p *Process) Candidates() []*ice.Candidate      { return p.candidates }
func (p *Process) Transports() []transport.Transport { return p.transports }

// gatherConfig turns the nat settings into gathering parameters.
func (p *Process) gatherConfig() ice.GatherConfig {
	nat := p.cfg.NAT
	gc := ice.GatherConfig{
		TURNUsername:      nat.TURNUsername,
		TURNPassword:      nat.TURNPassword,
		KeepAliveInterval: nat.KeepAlive,
		Policy: ice.RetransmitPolicy{
			MaxAttempts:    nat.Retransmit.MaxAttempts,
			InitialTimeout: nat.Retransmit.InitialTimeout,
			MaxTimeout:     nat.Retransmit.MaxTimeout,
			MaxElapsed:     nat.Retransmit.MaxElapsed,
		},
	}
	// Validate has checked both addresses.
	if nat.STUNServer != "" {
		gc.STUNServer = netip.MustParseAddrPort(nat.STUNServer)
	}
	if nat.TURNServer != "" {
		gc.TURNServer = netip.MustParseAddrPort(nat.TURNServer)
	}
	return gc
}

// discover gathers local candidates against the configured STUN and TURN
// servers on a socket of its own.
func (p *Process) discover(ctx context.Context) error {
	gc := p.gatherConfig()
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("open discovery socket: %w", err)
	}
	p.mux = ice.NewMux(conn, p.pool, p.stats)
	p.gatherer = ice.NewGatherer(p.mux, gc)

	cands, err := p.gatherer.Gather(ctx)
	if len(cands) == 0 {
		return fmt.Errorf("gather candidates: %w", err)
	}
	if err != nil {
		util.LogWarning("[app] candidate gathering incomplete: %v", err)
	}
	p.candidates = cands
	return nil
}

// publicIPs returns the reflexive addresses to announce as NAT 1:1
// mappings.
func (p *Process) publicIPs() []string {
	if !p.cfg.NAT.AdvertisePublic {
		return nil
	}
	var ips []string
	for _, c := range p.candidates {
		if c.Type == ice.CandidateServerReflexive {
			ips = append(ips, c.Addr.Addr().String())
		}
	}
	return ips
}

// Run starts the transports and the metrics endpoint, then runs the role
// until ctx is cancelled or the role finishes.
func (p *Process) Run(ctx context.Context) error {
	defer p.Close()

	accept := func(c transport.Conn) {
		go func() {
			if _, err := p.router.AttachLink(ctx, c); err != nil {
				util.LogWarning("[app] link from %s: %v", c.RemoteAddr(), err)
				c.Close()
			}
		}()
	}
	for _, tr := range p.transports {
		if err := tr.Start(ctx, accept); err != nil {
			return fmt.Errorf("start %s transport: %w", tr.Name(), err)
		}
		addr := tr.ListenAddr()
		util.LogInfo("[app] %s transport listening on %s", tr.Name(), addr)
		if advertisable(addr) {
			p.router.Advertise(tr.Name(), addr)
		}
	}

	if err := p.serveMetrics(); err != nil {
		return err
	}
	if p.cfg.Metrics.ReportInterval > 0 {
		p.stats.StartReporter(ctx, p.cfg.Metrics.ReportInterval)
	}
	if p.gatherer != nil && p.cfg.Role != config.RoleDiscover {
		go p.gatherer.Maintain(ctx)
	}
	p.linkPeers(ctx)

	switch p.cfg.Role {
	case config.RoleService:
		return p.runService(ctx)
	case config.RoleClient:
		return p.runClient(ctx)
	case config.RoleDiscover:
		return p.runDiscover(ctx)
	default:
		return p.runRouter(ctx)
	}
}

// advertisable reports whether addr names a host a peer could dial.
func advertisable(addr string) bool {
	ap, err := netip.ParseAddrPort(addr)
	return err == nil && !ap.Addr().IsUnspecified()
}

// linkPeers dials every configured peer once. Failures are logged: the
// session layer redials on demand.
func (p *Process) linkPeers(ctx context.Context) {
	for _, peer := range p.cfg.Peers {
		go func() {
			if p.router.HasLink(peer.GUID) {
				return
			}
			tr, addr, err := session.SelectTransport(protocol.TransportAny, p.transports, p.resolver, peer.GUID)
			if err != nil {
				util.LogWarning("[app] peer %s: %v", peer.GUID, err)
				return
			}
			dctx, cancel := context.WithTimeout(ctx, p.cfg.Session.JoinTimeout)
			defer cancel()
			conn, err := tr.Connect(dctx, addr)
			if err != nil {
				util.LogWarning("[app] peer %s over %s: %v", peer.GUID, tr.Name(), err)
				return
			}
			if _, err := p.router.AttachLink(ctx, conn); err != nil {
				util.LogWarning("[app] peer %s: %v", peer.GUID, err)
				conn.Close()
				return
			}
			util.LogSuccess("[app] linked to %s over %s", peer.GUID, tr.Name())
		}()
	}
}

func (p *Process) serveMetrics() error {
	if p.cfg.Metrics.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.stats.Handler())
	p.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := p.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("[app] metrics: %v", err)
		}
	}()
	util.LogInfo("[app] metrics on http://%s/metrics", ln.Addr())
	return nil
}

// Close releases everything the process owns. It is safe to call more
// than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.close() })
	return p.closeErr
}

func (p *Process) close() error {
	var errs []error
	if p.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, p.metrics.Shutdown(ctx))
		cancel()
		p.metrics = nil
	}
	for _, tr := range p.transports {
		errs = append(errs, tr.Close())
	}
	if p.router != nil {
		errs = append(errs, p.router.Close())
	}
	if p.gatherer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, p.gatherer.Release(ctx))
		cancel()
		p.gatherer = nil
	}
	if p.mux != nil {
		errs = append(errs, p.mux.Close())
		p.mux = nil
	}
	return errors.Join(errs...)
}

package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pbus/internal/bus"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// Members served by the service role.
const (
	MemberEcho = "Echo"
	MemberPing = "Ping"
)

// ClientCallInterval is how often the client role calls Echo.
const ClientCallInterval = 5 * time.Second

func (p *Process) banner(title string, rows [][]string) {
	data := pterm.TableData{{"router", p.router.GUID()}}
	for _, tr := range p.transports {
		data = append(data, []string{tr.Name(), tr.ListenAddr()})
	}
	data = append(data, rows...)
	table, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		util.LogDebug("[app] render banner: %v", err)
		return
	}
	pterm.DefaultBox.WithTitle(title).Println(table)
}

func (p *Process) runRouter(ctx context.Context) error {
	p.banner("p2pbus router", nil)
	<-ctx.Done()
	return nil
}

// service admits every joiner and echoes what it is sent.
type service struct {
	att *bus.Attachment
}

func (s *service) AcceptSessionJoiner(port uint16, joiner string, opts protocol.SessionOpts) bool {
	util.LogInfo("[service] %s asks to join port %d (%s)", joiner, port, opts)
	return true
}

func (s *service) SessionJoined(port uint16, id uint32, joiner string) {
	util.LogSuccess("[service] %s joined session 0x%08x on port %d", joiner, id, port)
	if err := s.att.SetSessionListener(id, logListener{"service"}); err != nil {
		util.LogDebug("[service] listener for 0x%08x: %v", id, err)
	}
}

func (s *service) echo(call *protocol.Message) (any, error) {
	var text string
	if err := protocol.Unmarshal(call.Body, &text); err != nil {
		return nil, err
	}
	return fmt.Sprintf("%s (via %s)", text, s.att.UniqueName()), nil
}

// logListener logs session changes.
type logListener struct{ who string }

func (l logListener) SessionLost(id uint32, reason string) {
	util.LogWarning("[%s] session 0x%08x lost: %s", l.who, id, reason)
}

func (l logListener) SessionMemberAdded(id uint32, member string) {
	util.LogInfo("[%s] session 0x%08x: %s joined", l.who, id, member)
}

func (l logListener) SessionMemberRemoved(id uint32, member string) {
	util.LogInfo("[%s] session 0x%08x: %s left", l.who, id, member)
}

func (p *Process) runService(ctx context.Context) error {
	att := bus.New(p.router, "service")
	if err := att.Connect(); err != nil {
		return err
	}
	defer att.Disconnect()

	svc := &service{att: att}
	att.AddMethodHandler(MemberEcho, svc.echo)
	att.AddSignalHandler(MemberPing, func(sig *protocol.Message) {
		util.LogInfo("[service] ping from %s in session 0x%08x", sig.Sender, sig.SessionID)
	})

	if name := p.cfg.Session.Name; name != "" {
		if err := att.RequestName(ctx, name); err != nil {
			return err
		}
	}
	port, err := att.BindSessionPort(ctx, p.cfg.Session.Port, p.cfg.SessionOpts(), svc)
	if err != nil {
		return err
	}

	rows := [][]string{
		{"service", att.UniqueName()},
		{"port", strconv.Itoa(int(port))},
	}
	if p.cfg.Session.Name != "" {
		rows = append(rows, []string{"name", p.cfg.Session.Name})
	}
	p.banner("p2pbus service", rows)

	<-ctx.Done()
	return nil
}

// clientListener ends the client role when its session is lost.
type clientListener struct {
	logListener
	lost chan struct{}
}

func (c clientListener) SessionLost(id uint32, reason string) {
	c.logListener.SessionLost(id, reason)
	close(c.lost)
}

func (p *Process) runClient(ctx context.Context) error {
	att := bus.New(p.router, "client")
	if err := att.Connect(); err != nil {
		return err
	}
	defer att.Disconnect()

	host, port := p.cfg.Session.Host, p.cfg.Session.Port
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("joining %s port %d", host, port))

	l := clientListener{logListener: logListener{"client"}, lost: make(chan struct{})}
	jctx, cancel := context.WithTimeout(ctx, p.cfg.Session.JoinTimeout)
	id, opts, err := att.JoinSession(jctx, host, port, p.cfg.SessionOpts(), l)
	cancel()
	if err != nil {
		if spinner != nil {
			spinner.Fail(err.Error())
		}
		return err
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("joined session 0x%08x (%s)", id, opts))
	}
	defer att.LeaveSession(context.Background(), id)

	ticker := time.NewTicker(ClientCallInterval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		var reply string
		cctx, cancel := context.WithTimeout(ctx, ClientCallInterval)
		err := att.CallMethod(cctx, host, MemberEcho, id, "hello #"+strconv.Itoa(n), &reply)
		cancel()
		if err != nil {
			util.LogWarning("[client] Echo: %v", err)
		} else {
			util.LogInfo("[client] %s", reply)
		}
		if err := att.Signal(host, MemberPing, id, nil); err != nil {
			util.LogDebug("[client] Ping: %v", err)
		}

		select {
		case <-ticker.C:
		case <-l.lost:
			return fmt.Errorf("session 0x%08x lost", id)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Process) runDiscover(context.Context) error {
	data := pterm.TableData{{"type", "address", "base", "server", "priority"}}
	for _, c := range p.candidates {
		server := "-"
		if c.Server.IsValid() {
			server = c.Server.String()
		}
		data = append(data, []string{c.Type.String(), c.Addr.String(), c.Base.String(), server, strconv.FormatUint(uint64(c.Priority), 10)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

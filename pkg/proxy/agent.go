package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
)

// SessionInfo describes the network session currently registered.
type SessionInfo struct {
	Active    bool
	Reason    string
	Interface string
	MTU       int
}

// LocalAgent is a NetworkAgent that records session state in memory and
// logs transitions. It suits hosts where the tunnel interface is managed
// by the tunnel implementation itself.
type LocalAgent struct {
	logger *slog.Logger

	mu        sync.Mutex
	name      string
	dns       []netip.Addr
	score     int
	metered   bool
	session   SessionInfo
	unwanted  func()
	starts    int
	stops     int
	listeners []func(SessionInfo)
}

// NewLocalAgent creates an agent. A nil logger discards output.
func NewLocalAgent(logger *slog.Logger) *LocalAgent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalAgent{logger: logger}
}

func (a *LocalAgent) SetCompanionName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

func (a *LocalAgent) SetDNSServers(servers []netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dns = append([]netip.Addr(nil), servers...)
}

func (a *LocalAgent) SetNetworkScore(score int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score = score
}

func (a *LocalAgent) NetworkScore() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

func (a *LocalAgent) SetMetered(metered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metered = metered
}

func (a *LocalAgent) StartNetworkSession(reason, iface string, mtu int, unwanted func()) {
	a.mu.Lock()
	a.session = SessionInfo{Active: true, Reason: reason, Interface: iface, MTU: mtu}
	a.unwanted = unwanted
	a.starts++
	info := a.session
	listeners := a.listeners
	a.mu.Unlock()

	a.logger.Info("network session started", "reason", reason, "iface", iface, "mtu", mtu)
	for _, fn := range listeners {
		fn(info)
	}
}

func (a *LocalAgent) StopNetworkSession(reason string) {
	a.mu.Lock()
	if !a.session.Active {
		a.mu.Unlock()
		return
	}
	a.session = SessionInfo{Reason: reason}
	a.unwanted = nil
	a.stops++
	info := a.session
	listeners := a.listeners
	a.mu.Unlock()

	a.logger.Info("network session stopped", "reason", reason)
	for _, fn := range listeners {
		fn(info)
	}
}

// Session returns the current session.
func (a *LocalAgent) Session() SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Counts returns how many sessions were started and stopped.
func (a *LocalAgent) Counts() (starts, stops int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops
}

// DNSServers returns the configured DNS servers.
func (a *LocalAgent) DNSServers() []netip.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]netip.Addr(nil), a.dns...)
}

// Metered returns the last metered flag.
func (a *LocalAgent) Metered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metered
}

// OnSessionChange registers fn to be called after every start or stop.
func (a *LocalAgent) OnSessionChange(fn func(SessionInfo)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Unwant simulates the OS revoking interest in the network.
func (a *LocalAgent) Unwant() bool {
	a.mu.Lock()
	fn := a.unwanted
	a.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Dump writes the agent state.
func (a *LocalAgent) Dump(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(w, "  companion name:   %s\n", a.name)
	fmt.Fprintf(w, "  network score:    %d\n", a.score)
	fmt.Fprintf(w, "  dns servers:      %v\n", a.dns)
	fmt.Fprintf(w, "  metered:          %t\n", a.metered)
	fmt.Fprintf(w, "  session active:   %t (%s)\n", a.session.Active, a.session.Reason)
	if a.session.Active {
		fmt.Fprintf(w, "  session iface:    %s mtu=%d\n", a.session.Interface, a.session.MTU)
	}
}

var _ NetworkAgent = (*LocalAgent)(nil)

// Package shell provides the interactive command line of wearproxyd.
package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

// Status is a snapshot for the status command.
type Status struct {
	Companion      string
	HasCompanion   bool
	LinkUp         bool
	ProxyStarted   bool
	ClientState    string
	ProxyConnected bool
	Session        bool
	Config         string
	LastEvent      string
}

// Daemon is what the shell controls.
type Daemon interface {
	Status() Status
	Dump(ctx context.Context, w io.Writer) error
	Start()
	Stop()
	SetCharging(on bool)
	SetDNS(servers []string) error
	ToggleHFP(on bool) bool
	SetRadioInput(name string, on bool) error
}

// Shell is a readline command loop.
type Shell struct {
	rl  *readline.Instance
	out io.Writer
}

// New creates a shell on the terminal.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wearproxy> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl, out: rl.Stdout()}, nil
}

// Stderr returns a writer that keeps log output clear of the prompt.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run reads commands until quit, EOF or ctx ends. cancel is called on quit.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, d Daemon) {
	defer s.rl.Close()
	go func() {
		<-ctx.Done()
		_ = s.rl.Close()
	}()

	s.printHelp()
	for {
		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil || ctx.Err() != nil {
			cancel()
			return
		}
		if !s.Exec(ctx, d, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line and reports whether the loop should go on.
func (s *Shell) Exec(ctx context.Context, d Daemon, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "start":
		d.Start()
		fmt.Fprintln(s.out, "proxy enabled")
	case "stop":
		d.Stop()
		fmt.Fprintln(s.out, "proxy disabled")
	case "status", "s":
		s.printStatus(d.Status())
	case "dump", "d":
		dctx, done := context.WithTimeout(ctx, 5*time.Second)
		defer done()
		if err := d.Dump(dctx, s.out); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	case "score":
		on, ok := onOff(args)
		if !ok {
			fmt.Fprintln(s.out, "Usage: score charging on|off")
			return true
		}
		d.SetCharging(on)
	case "dns":
		var servers []string
		for _, a := range args {
			servers = append(servers, strings.Split(a, ",")...)
		}
		if err := d.SetDNS(servers); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	case "hfp":
		on, ok := onOff(args)
		if !ok {
			fmt.Fprintln(s.out, "Usage: hfp on|off")
			return true
		}
		if !d.ToggleHFP(on) {
			fmt.Fprintln(s.out, "hfp unchanged")
		}
	case "radio":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Usage: radio <input> on|off")
			return true
		}
		on, ok := onOff(args[1:])
		if !ok {
			fmt.Fprintln(s.out, "Usage: radio <input> on|off")
			return true
		}
		if err := d.SetRadioInput(args[0], on); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

// onOff parses the last argument as on/off. "score charging on" and
// "hfp on" both end in the value.
func onOff(args []string) (bool, bool) {
	if len(args) == 0 {
		return false, false
	}
	switch strings.ToLower(args[len(args)-1]) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func (s *Shell) printStatus(st Status) {
	companion := "none"
	if st.HasCompanion {
		companion = st.Companion
	}
	fmt.Fprintf(s.out, "  companion:       %s (link up: %t)\n", companion, st.LinkUp)
	fmt.Fprintf(s.out, "  proxy started:   %t\n", st.ProxyStarted)
	fmt.Fprintf(s.out, "  client state:    %s\n", st.ClientState)
	fmt.Fprintf(s.out, "  connected:       %t\n", st.ProxyConnected)
	fmt.Fprintf(s.out, "  network session: %t\n", st.Session)
	fmt.Fprintf(s.out, "  config:          %s\n", st.Config)
	if st.LastEvent != "" {
		fmt.Fprintf(s.out, "  last event:      %s\n", st.LastEvent)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
wearproxyd Commands:
  Proxy:
    start                  - Enable the device and start the proxy
    stop                   - Disable the device (stops proxy and HFC)
    status                 - Show proxy status
    dump                   - Dump mediator, runner and shard state

  Inputs:
    score charging on|off  - Set the charging state (proxy score)
    dns <a,b,...>          - Set DNS servers (empty clears)
    hfp on|off             - Toggle the hands-free profile
    radio <input> on|off   - Set a radio input: airplane, activity,
                             cellonly, timeonly, thermal, idle, pref

  General:
    help                   - Show this help
    quit                   - Exit`)
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bluetooth-serial/internal/btserial"
	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/spp"
)

// terminal is an interactive serial console. Typed lines are sent to the
// device; lines starting with '/' are commands.
type terminal struct {
	rl      *readline.Instance
	out     io.Writer
	serial  *btserial.Serial
	address string
	crlf    bool
	hex     atomic.Bool

	closeOnce sync.Once
}

func runConnect(
	ctx context.Context,
	mgr connmgr.Mgr,
	cfg *config.Instance,
	address string,
	crlf bool,
	debug bool,
) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "btserial> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}

	// Keep log lines from clobbering the prompt.
	logOut := zerolog.ConsoleWriter{Out: rl.Stderr(), TimeFormat: time.Kitchen}
	if err := logging.Init(debug, cfg.LogFile(), logOut); err != nil {
		_ = rl.Close()
		return err
	}

	term := &terminal{
		rl:      rl,
		out:     rl.Stdout(),
		address: address,
		crlf:    crlf,
	}
	term.serial = btserial.New(mgr, term, cfg)

	if err := term.serial.Setup(ctx); err != nil {
		term.close()
		return err
	}
	defer term.serial.Stop()

	if err := term.serial.Connect(ctx, address); err != nil {
		term.close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return term.loop()
	})
	g.Go(func() error {
		<-gctx.Done()
		term.close()
		return nil
	})
	return g.Wait()
}

func (t *terminal) close() {
	t.closeOnce.Do(func() { _ = t.rl.Close() })
}

func (t *terminal) loop() error {
	t.printHelp()
	for {
		line, err := t.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && !interruptQuits(line) {
				continue
			}
			// Ctrl-C on an empty line, EOF or closed
			fmt.Fprintln(t.out, "Exiting...")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			if quit := t.command(strings.TrimSpace(line)); quit {
				return nil
			}
			continue
		}
		if err := t.serial.WriteText(line, t.crlf); err != nil {
			fmt.Fprintf(t.out, "send failed: %v\n", err)
		}
	}
}

// interruptQuits reports whether Ctrl-C should end the session. With a
// partly typed line it only clears the line.
func interruptQuits(line string) bool {
	return line == ""
}

func (t *terminal) command(line string) (quit bool) {
	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/status", "/s":
		t.printStatus()
	case "/disconnect", "/d":
		t.serial.Disconnect()
	case "/reconnect", "/r":
		if err := t.serial.Connect(context.Background(), t.address); err != nil {
			fmt.Fprintf(t.out, "reconnect failed: %v\n", err)
		}
	case "/hex":
		on := !t.hex.Load()
		t.hex.Store(on)
		fmt.Fprintf(t.out, "hex display %s\n", onOff(on))
	case "/quit", "/exit", "/q":
		fmt.Fprintln(t.out, "Exiting...")
		return true
	case "/help", "/?":
		t.printHelp()
	default:
		fmt.Fprintf(t.out, "Unknown command: %s (type /help for commands)\n", line)
	}
	return false
}

func (t *terminal) printStatus() {
	fmt.Fprintf(t.out, "state: %s\n", t.serial.State())
	if peer, ok := t.serial.ConnectedDevice(); ok {
		fmt.Fprintf(t.out, "device: %s (%s) since %s\n",
			peer.Name, peer.Address, peer.ConnectedAt.Format(time.TimeOnly))
	}
}

func (t *terminal) printHelp() {
	fmt.Fprintln(t.out, `
Type text and press enter to send it. Commands:
  /status      show connection state
  /disconnect  drop the connection
  /reconnect   connect to the device again
  /hex         toggle hex display of received data
  /quit        exit`)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (t *terminal) StateChanged(s spp.State) {
	fmt.Fprintf(t.out, "* %s\n", s)
}

func (t *terminal) PeerIdentified(p spp.PeerIdentity) {
	fmt.Fprintf(t.out, "* connected to %s (%s)\n", p.Name, p.Address)
}

func (t *terminal) DataReceived(raw []byte, text string) {
	if t.hex.Load() {
		fmt.Fprintf(t.out, "< %s\n", hex.EncodeToString(raw))
		return
	}
	fmt.Fprint(t.out, text)
}

func (t *terminal) DataSent(raw []byte, _ string) {
	if t.hex.Load() {
		fmt.Fprintf(t.out, "> %s\n", hex.EncodeToString(raw))
	}
}

func (t *terminal) AdapterUnavailable(err error) {
	fmt.Fprintf(t.out, "* bluetooth unavailable: %v\n", err)
}

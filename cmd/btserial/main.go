// Command btserial talks to Bluetooth Serial Port Profile devices.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - The profile strategy registers a Profile1 object; run with sudo if
//     RegisterProfile is denied.
//
// Modes
//
//	btserial -m scan -t 15s            list nearby SPP devices
//	btserial -m paired                 list paired devices
//	btserial -d 00:11:22:33:44:AA      open an interactive terminal
//
// Without -d the connect mode reuses the last connected device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/syncutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "btserial: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	mode      string
	device    string
	configDir string
	primary   string
	fallback  string
	timeout   time.Duration
	crlf      bool
	debug     bool
}

func run(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet("btserial", flag.ContinueOnError)
	fs.StringVarP(&opts.mode, "mode", "m", "connect", "mode: scan|paired|connect")
	fs.StringVarP(&opts.device, "device", "d", "", "device address XX:XX:XX:XX:XX:XX (connect mode)")
	fs.DurationVarP(&opts.timeout, "timeout", "t", 15*time.Second, "scan duration")
	fs.StringVar(&opts.configDir, "config-dir", defaultConfigDir(), "directory holding "+config.CfgFile)
	fs.StringVar(&opts.primary, "primary", "", "primary strategy: profile|secure|insecure|tty")
	fs.StringVar(&opts.fallback, "fallback", "", "fallback strategy: profile|secure|insecure|tty|none")
	fs.BoolVar(&opts.crlf, "crlf", true, "terminate typed lines with CRLF")
	fs.BoolVarP(&opts.debug, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.NewConfig(afero.NewOsFs(), opts.configDir, config.BaseDefaults)
	if err != nil {
		return err
	}
	if !fs.Changed("crlf") {
		opts.crlf = cfg.Session().AppendCRLF
	}
	if opts.primary != "" || opts.fallback != "" {
		conn := cfg.Connect()
		primary, fallback := conn.Primary, conn.Fallback
		if opts.primary != "" {
			primary = opts.primary
		}
		if opts.fallback == "none" {
			fallback = config.StrategyNone
		} else if opts.fallback != "" {
			fallback = opts.fallback
		}
		cfg.SetStrategies(primary, fallback)
	}

	debug := opts.debug || cfg.DebugLogging()
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if err := logging.Init(debug, cfg.LogFile(), console); err != nil {
		return err
	}
	log.Debug().
		Str("config", cfg.Path()).
		Bool("deadlock_detection", syncutil.DeadlockEnabled).
		Msg("btserial starting")

	mgr := connmgr.New()
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("close device manager")
		}
	}()

	switch strings.ToLower(opts.mode) {
	case "scan":
		return runScan(ctx, mgr, opts.timeout)
	case "paired":
		return runPaired(ctx, mgr)
	case "connect":
		address := opts.device
		if address == "" {
			address = cfg.LastDevice().Address
		}
		if address == "" {
			return errors.New("no device given and none remembered; use -d")
		}
		return runConnect(ctx, mgr, cfg, address, opts.crlf, debug)
	default:
		return fmt.Errorf("unknown mode: %s", opts.mode)
	}
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "btserial")
}

func runScan(ctx context.Context, mgr connmgr.Mgr, timeout time.Duration) error {
	if err := mgr.CheckAdapter(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Printf("Scanning for SPP devices (%s)...\n", timeout)
	devs, err := mgr.ScanSPP(ctx)
	if err != nil {
		return err
	}
	printDevices(devs, "no SPP devices found")
	return nil
}

func runPaired(ctx context.Context, mgr connmgr.Mgr) error {
	devs, err := mgr.Paired(ctx)
	if err != nil {
		return err
	}
	printDevices(devs, "no paired devices")
	return nil
}

func printDevices(devs []connmgr.Device, none string) {
	if len(devs) == 0 {
		fmt.Println(none)
		return
	}
	for i, d := range devs {
		paired := ""
		if d.Paired {
			paired = " paired"
		}
		fmt.Printf("[%d] %s  %s%s\n", i, d.MAC, d.DisplayName(), paired)
	}
}

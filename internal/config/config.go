// Package config loads and saves the TOML settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"bluetooth-serial/internal/syncutil"
)

const (
	SchemaVersion = 1
	CfgEnv        = "BTSERIAL_CFG"
	CfgFile       = "btserial.toml"
)

// Connection strategy names.
const (
	StrategyProfile  = "profile"
	StrategySecure   = "secure"
	StrategyInsecure = "insecure"
	StrategyTTY      = "tty"
	StrategyNone     = ""
)

type Values struct {
	Device       Device  `toml:"device"`
	Connect      Connect `toml:"connect"`
	Session      Session `toml:"session"`
	LogFile      string  `toml:"log_file,omitempty"`
	ConfigSchema int     `toml:"config_schema"`
	DebugLogging bool    `toml:"debug_logging"`
}

type Device struct {
	Address string `toml:"address,omitempty"`
	Name    string `toml:"name,omitempty"`
}

type Connect struct {
	Primary  string `toml:"primary"`
	Fallback string `toml:"fallback"`
	TTYPath  string `toml:"tty_path,omitempty"`
	Channel  uint8  `toml:"channel"`
	BaudRate int    `toml:"baud_rate,omitempty"`
}

type Session struct {
	ReadBuffer int  `toml:"read_buffer"`
	SendQueue  int  `toml:"send_queue"`
	AppendCRLF bool `toml:"append_crlf"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Connect: Connect{
		Primary:  StrategyProfile,
		Fallback: StrategyInsecure,
		Channel:  1,
	},
	Session: Session{
		ReadBuffer: 1024,
		SendQueue:  64,
		AppendCRLF: true,
	},
}

type Instance struct {
	fs       afero.Fs
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig opens the config file in configDir, or the file named by
// BTSERIAL_CFG, writing defaults first if it does not exist.
//
//nolint:gocritic // config struct copied for immutability
func NewConfig(fs afero.Fs, configDir string, defaults Values) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	log.Debug().Msgf("env config path: %s", cfgPath)

	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := &Instance{
		fs:       fs,
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	exists, err := afero.Exists(fs, cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", cfgPath, err)
	}
	if !exists {
		log.Info().Str("path", cfgPath).Msg("saving new default config to disk")
		if err := fs.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("config: create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config: path not set")
	}

	data, err := afero.ReadFile(c.fs, c.cfgPath)
	if err != nil {
		return fmt.Errorf("config: read config file: %w", err)
	}

	// Fields missing from the file keep their defaults.
	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return errors.New("config: schema version mismatch")
	}

	c.vals = newVals
	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config: path not set")
	}

	c.vals.ConfigSchema = SchemaVersion

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := afero.WriteFile(c.fs, c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

func (c *Instance) Path() string {
	return c.cfgPath
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

func (c *Instance) LogFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.LogFile
}

// LastDevice is the device connected most recently, if any.
func (c *Instance) LastDevice() Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Device
}

func (c *Instance) SetLastDevice(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Device = d
}

func (c *Instance) Connect() Connect {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Connect
}

func (c *Instance) SetStrategies(primary, fallback string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Connect.Primary = primary
	c.vals.Connect.Fallback = fallback
}

func (c *Instance) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session
}

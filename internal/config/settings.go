package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const DefaultProtocolVersion = "5.0"

// Settings is one "client: <profile>" section of the client settings file.
// Durations are whole seconds except SuppressEpsilonMs.
type Settings struct {
	User              string `config:"type=string,env=FEI_USER"`
	Password          string `config:"type=string,env=FEI_PASSWORD"`
	RestartDir        string `config:"type=string,env=FEI_RESTART_DIR"`
	Heartbeat         int    `config:"type=int,min=0,env=FEI_HEARTBEAT"`
	ConnectTimeout    int    `config:"type=int,min=0,env=FEI_CONNECT_TIMEOUT"`
	ReadTimeout       int    `config:"type=int,min=0,env=FEI_READ_TIMEOUT"`
	SuppressEpsilonMs int    `config:"type=int,min=0,env=FEI_SUPPRESS_EPSILON_MS"`
	BandwidthLimit    int64  `config:"type=int,min=0,env=FEI_BANDWIDTH_LIMIT"`
	ProtocolVersion   string `config:"type=string,env=FEI_PROTOCOL_VERSION"`
	LogLevel          string `config:"type=string,env=FEI_LOG_LEVEL"`
	// SyslogTag sends log output to the system logger under this tag.
	SyslogTag string `config:"type=string,env=FEI_SYSLOG_TAG"`
}

func DefaultSettings() Settings {
	restartDir := ".fei"
	if dir, err := os.UserConfigDir(); err == nil {
		restartDir = filepath.Join(dir, "fei", "restart")
	}
	return Settings{
		RestartDir:        restartDir,
		Heartbeat:         60,
		ConnectTimeout:    30,
		SuppressEpsilonMs: 1000,
		ProtocolVersion:   DefaultProtocolVersion,
		LogLevel:          "info",
	}
}

// LoadSettings reads the named profile from path on top of the defaults and
// applies FEI_* environment overrides. A missing file or profile yields the
// defaults.
func LoadSettings(path, profile string) (Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		cfg := NewSectionConfig(&SectionPlugin[Settings]{
			TypeName: "client",
			Defaults: DefaultSettings,
		})
		data, err := cfg.Parse(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return settings, fmt.Errorf("failed to load settings %s: %w", path, err)
		default:
			if s, ok := data.Get(profile); ok {
				settings = s
			}
		}
	}

	if err := ApplyEnv(&settings); err != nil {
		return settings, fmt.Errorf("invalid environment override: %w", err)
	}
	return settings, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s Settings) HeartbeatInterval() time.Duration { return seconds(s.Heartbeat) }

func (s Settings) ConnectTimeoutDuration() time.Duration { return seconds(s.ConnectTimeout) }

func (s Settings) ReadTimeoutDuration() time.Duration { return seconds(s.ReadTimeout) }

func (s Settings) SuppressEpsilon() time.Duration {
	return time.Duration(s.SuppressEpsilonMs) * time.Millisecond
}

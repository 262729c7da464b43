package evpoll

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

const (
	defInitialEvents = 32
	defMaxEvents     = 4096
	// Kernels up to 2.6.24 wait forever on timeouts above
	// (LONG_MAX-999)/HZ; with HZ=1000 and a 32-bit long that is about
	// 2147482 msec. 35 minutes stays well below it.
	defMaxTimeoutMsec = 35 * 60 * 1000

	// ChangelistEnv selects the changelist variant when set to any value.
	ChangelistEnv = "EVENT_EPOLL_USE_CHANGELIST"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type BackendConfig struct {
	UseChangelist  bool `yaml:"use_changelist" toml:"use_changelist"`
	IgnoreEnv      bool `yaml:"ignore_env" toml:"ignore_env"`
	PreciseTimer   bool `yaml:"precise_timer" toml:"precise_timer"`
	InitialEvents  int  `yaml:"initial_events" toml:"initial_events"`
	MaxEvents      int  `yaml:"max_events" toml:"max_events"`
	MaxTimeoutMsec int  `yaml:"max_timeout_msec" toml:"max_timeout_msec"`
}

type Config struct {
	Global  Global        `yaml:"global" toml:"global"`
	Backend BackendConfig `yaml:"backend" toml:"backend"`
}

func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		InitialEvents:  defInitialEvents,
		MaxEvents:      defMaxEvents,
		MaxTimeoutMsec: defMaxTimeoutMsec,
	}
}

func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") || strings.HasSuffix(filePath, ".yml") {
		err = yaml.Unmarshal(file, config)
	} else {
		return nil, fmt.Errorf("unknown config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	config.Backend = config.Backend.withDefaults()
	if err := config.Backend.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c BackendConfig) withDefaults() BackendConfig {
	if c.InitialEvents == 0 {
		c.InitialEvents = defInitialEvents
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = defMaxEvents
	}
	if c.MaxTimeoutMsec == 0 {
		c.MaxTimeoutMsec = defMaxTimeoutMsec
	}
	return c
}

func (c BackendConfig) validate() error {
	if c.InitialEvents < 1 {
		return fmt.Errorf("initial_events must be positive, got %d", c.InitialEvents)
	}
	if c.MaxEvents < c.InitialEvents {
		return fmt.Errorf("max_events (%d) is below initial_events (%d)", c.MaxEvents, c.InitialEvents)
	}
	if c.MaxTimeoutMsec < 1 {
		return fmt.Errorf("max_timeout_msec must be positive, got %d", c.MaxTimeoutMsec)
	}
	// epoll_wait takes the timeout as a C int.
	if c.MaxTimeoutMsec > math.MaxInt32 {
		return fmt.Errorf("max_timeout_msec must not exceed %d, got %d", math.MaxInt32, c.MaxTimeoutMsec)
	}
	return nil
}

// changelistEnabled honours the explicit flag first, then the environment.
func (c BackendConfig) changelistEnabled() bool {
	if c.UseChangelist {
		return true
	}
	if c.IgnoreEnv {
		return false
	}
	_, ok := os.LookupEnv(ChangelistEnv)
	return ok
}

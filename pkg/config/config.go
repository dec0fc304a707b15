// Package config loads node configuration from the recognized option
// set of spec §6: peers, db, persist, location, sessionKey,
// maxLogRetention, rpcTimeout/connectionTimeout, minElectionTimeout,
// heartbeatInterval, public. Precedence is defaults < YAML file <
// environment variables < CLI flags, the last of which is wired up by
// cmd/server's cobra command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a single node's full configuration.
type Config struct {
	ID    string   `yaml:"id"`
	Peers []string `yaml:"peers"`

	DB       string `yaml:"db"`       // storage backend selector
	Persist  bool   `yaml:"persist"`  // whether to persist to disk at all
	Location string `yaml:"location"` // data directory path

	SessionKey string `yaml:"sessionKey"` // shared-secret HMAC key, empty disables auth

	MaxLogRetention int `yaml:"maxLogRetention"`

	RPCTimeout         time.Duration `yaml:"rpcTimeout"`
	ConnectionTimeout  time.Duration `yaml:"connectionTimeout"`
	MinElectionTimeout time.Duration `yaml:"minElectionTimeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`

	Public bool `yaml:"public"` // bind to wildcard address instead of the parsed host

	ListenAddr string `yaml:"listenAddr"` // this node's own canonical address
}

// Default returns the configuration defaults named in spec §4.1/§4.4.
func Default() Config {
	return Config{
		DB:                 "memory",
		Persist:            true,
		Location:           "./data",
		MaxLogRetention:    1000,
		RPCTimeout:         5 * time.Second,
		ConnectionTimeout:  5 * time.Second,
		MinElectionTimeout: 150 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// Load reads defaults, then overlays a YAML file (if path is
// non-empty and exists), then environment variables prefixed
// RAFTKV_.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RAFTKV_ID"); v != "" {
		cfg.ID = v
	}
	if v := os.Getenv("RAFTKV_PEERS"); v != "" {
		cfg.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("RAFTKV_DB"); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv("RAFTKV_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Persist = b
		}
	}
	if v := os.Getenv("RAFTKV_LOCATION"); v != "" {
		cfg.Location = v
	}
	if v := os.Getenv("RAFTKV_SESSION_KEY"); v != "" {
		cfg.SessionKey = v
	}
	if v := os.Getenv("RAFTKV_MAX_LOG_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxLogRetention = n
		}
	}
	if v := os.Getenv("RAFTKV_RPC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RPCTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RAFTKV_CONNECTION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectionTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RAFTKV_MIN_ELECTION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinElectionTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RAFTKV_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RAFTKV_PUBLIC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Public = b
		}
	}
	if v := os.Getenv("RAFTKV_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

// Validate checks the minimal invariants the node constructor relies
// on (spec §4.1's election-timeout relationship, mainly).
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: id is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listenAddr is required")
	}
	if c.HeartbeatInterval <= 0 || c.MinElectionTimeout <= 0 {
		return fmt.Errorf("config: heartbeatInterval and minElectionTimeout must be positive")
	}
	if c.HeartbeatInterval*3 > c.MinElectionTimeout {
		return fmt.Errorf("config: heartbeatInterval (%s) should be well below minElectionTimeout (%s)", c.HeartbeatInterval, c.MinElectionTimeout)
	}
	return nil
}

// MaxElectionTimeout is the upper bound of the randomized election
// timeout range [min, 2*min) per spec §4.1.
func (c Config) MaxElectionTimeout() time.Duration {
	return 2 * c.MinElectionTimeout
}

// Package config loads relay configuration from a key=value file with
// environment variable overrides, the same two-layer precedence the
// teacher's config package uses.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay process configuration.
type Config struct {
	// ListenAddr is the TCP address the relay's client-facing listener binds.
	ListenAddr string

	// StoreBackend selects the identity.Store implementation: "memory" or
	// "postgres".
	StoreBackend string
	DBHost       string
	DBPort       int
	DBName       string
	DBUser       string
	DBPassword   string

	// AdminAddr is the address the read-only operations API binds, empty to
	// disable it.
	AdminAddr string

	// LogDir is where relay.log is written.
	LogDir string

	// Negotiation timing, all overridable; see internal/session.Timeouts.
	CallTimeout      time.Duration
	CallPollInterval time.Duration
	WaitPollInterval time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
}

// Load reads configuration from a file (if present) and then applies
// environment variable overrides, exactly the precedence order the
// teacher's Load follows.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":31227",

		StoreBackend: "memory",
		DBHost:       "localhost",
		DBPort:       5432,
		DBName:       "mobilerelay",

		AdminAddr: ":31228",
		LogDir:    ".",

		CallTimeout:      30 * time.Second,
		CallPollInterval: 100 * time.Millisecond,
		WaitPollInterval: 100 * time.Millisecond,
		AcceptTimeout:    1 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.StoreBackend == "postgres" {
		if cfg.DBUser == "" {
			return nil, fmt.Errorf("DB_USER must be set (in config file or environment) when STORE_BACKEND=postgres")
		}
		if cfg.DBPassword == "" {
			return nil, fmt.Errorf("DB_PASSWORD must be set (in config file or environment) when STORE_BACKEND=postgres")
		}
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "listen_addr":
			cfg.ListenAddr = value
		case "store_backend":
			cfg.StoreBackend = value
		case "host":
			cfg.DBHost = value
		case "port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = port
			}
		case "database":
			cfg.DBName = value
		case "user":
			cfg.DBUser = value
		case "password":
			cfg.DBPassword = value
		case "admin_addr":
			cfg.AdminAddr = value
		case "log_dir":
			cfg.LogDir = value
		case "call_timeout_ms":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.CallTimeout = time.Duration(ms) * time.Millisecond
			}
		case "call_poll_interval_ms":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.CallPollInterval = time.Duration(ms) * time.Millisecond
			}
		case "wait_poll_interval_ms":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.WaitPollInterval = time.Duration(ms) * time.Millisecond
			}
		case "accept_timeout_ms":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.AcceptTimeout = time.Duration(ms) * time.Millisecond
			}
		case "handshake_timeout_ms":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.HandshakeTimeout = time.Duration(ms) * time.Millisecond
			}
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = port
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("CALL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.CallTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CALL_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.CallPollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WAIT_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.WaitPollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ACCEPT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.AcceptTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HandshakeTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// ConnectionString returns a PostgreSQL connection string for the identity
// store.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}

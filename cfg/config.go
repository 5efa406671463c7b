package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ListenerConfiguration controls the notification listener socket
type ListenerConfiguration struct {
	BindAddress     string   `toml:"bind_address"`
	Port            int      `toml:"port"`
	IdleTimeoutMS   int      `toml:"idle_timeout_ms"`   // Gap after which a connection is considered complete
	ConnDeadlineMS  int      `toml:"conn_deadline_ms"`  // Hard cap on time spent reading one connection
	MaxPayloadBytes int      `toml:"max_payload_bytes"` // Larger pushes are truncated and rejected
	DocumentMarkers []string `toml:"document_markers"`  // Leading tokens that start the embedded document
}

// AwaitConfiguration controls waiting for pushes
type AwaitConfiguration struct {
	DefaultTimeoutMS int `toml:"default_timeout_ms"`
}

// JournalConfiguration controls the push journal
type JournalConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // Empty keeps the journal in memory
}

// RelayConfiguration describes one relay forwarding journaled pushes to a sink
type RelayConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats" or "kafka"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	Format          string   `toml:"format"` // "xml" (raw document) or "json" envelope
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterIDs       []string `toml:"filter_subscription_ids"` // Glob patterns; empty matches all
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// AdminConfiguration for the status HTTP server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	HarnessID string `toml:"harness_id"`

	Listener   ListenerConfiguration   `toml:"listener"`
	Await      AwaitConfiguration      `toml:"await"`
	Journal    JournalConfiguration    `toml:"journal"`
	Relays     []RelayConfiguration    `toml:"relay"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "pushwatch.toml", "Path to configuration file")
	PortFlag       = flag.Int("port", 0, "Listener port (overrides config)")
	JournalDirFlag = flag.String("journal-dir", "", "Push journal directory (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		Listener: ListenerConfiguration{
			BindAddress:     "127.0.0.1",
			Port:            9999,
			IdleTimeoutMS:   250,
			ConnDeadlineMS:  5000,
			MaxPayloadBytes: 8 << 20, // 8MB
			DocumentMarkers: []string{
				"<?xml",
				"<epcisq:EPCISQueryDocument",
				"<epcis:EPCISQueryDocument",
				"<EPCISQueryDocument",
			},
		},

		Await: AwaitConfiguration{
			DefaultTimeoutMS: 10000,
		},

		Journal: JournalConfiguration{
			Enabled: true,
			Dir:     "",
		},

		Admin: AdminConfiguration{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9998,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *PortFlag != 0 {
		Config.Listener.Port = *PortFlag
	}
	if *JournalDirFlag != "" {
		Config.Journal.Dir = *JournalDirFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	if Config.HarnessID == "" {
		id, err := generateHarnessID()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to derive harness ID from machine ID, using pid")
			id = "pid-" + strconv.Itoa(os.Getpid())
		}
		Config.HarnessID = id
		log.Info().Str("harness_id", Config.HarnessID).Msg("Auto-generated harness ID")
	}

	if Config.Journal.Enabled && Config.Journal.Dir != "" {
		if err := os.MkdirAll(Config.Journal.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	return nil
}

// generateHarnessID derives a stable ID from the machine ID
func generateHarnessID() (string, error) {
	id, err := machineid.ProtectedID("pushwatch")
	if err != nil {
		return "", err
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%08x", h.Sum32()), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	// Port 0 asks the OS for an ephemeral port
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("invalid listener port: %d", c.Listener.Port)
	}

	if c.Listener.IdleTimeoutMS < 1 {
		return fmt.Errorf("listener idle timeout must be >= 1ms")
	}

	if c.Listener.ConnDeadlineMS < c.Listener.IdleTimeoutMS {
		return fmt.Errorf("listener connection deadline must be >= idle timeout")
	}

	if c.Listener.MaxPayloadBytes < 1 {
		return fmt.Errorf("listener max payload must be >= 1 byte")
	}

	if len(c.Listener.DocumentMarkers) == 0 {
		return fmt.Errorf("at least one document marker is required")
	}
	for _, m := range c.Listener.DocumentMarkers {
		if m == "" {
			return fmt.Errorf("document markers must not be empty")
		}
	}

	if c.Await.DefaultTimeoutMS < 1 {
		return fmt.Errorf("await default timeout must be >= 1ms")
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.Relays))
	for _, r := range c.Relays {
		if r.Name == "" {
			return fmt.Errorf("relay name is required")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate relay name: %s", r.Name)
		}
		names[r.Name] = true

		switch r.Type {
		case "nats":
			if r.NatsURL == "" {
				return fmt.Errorf("relay %s: nats relay requires nats_url", r.Name)
			}
		case "kafka":
			if len(r.Brokers) == 0 {
				return fmt.Errorf("relay %s: kafka relay requires brokers", r.Name)
			}
		default:
			return fmt.Errorf("relay %s: unknown type %q", r.Name, r.Type)
		}

		switch r.Format {
		case "", "xml", "json":
		default:
			return fmt.Errorf("relay %s: unknown format %q", r.Name, r.Format)
		}

		if !c.Journal.Enabled {
			return fmt.Errorf("relay %s requires the journal to be enabled", r.Name)
		}
	}

	return nil
}

// ListenAddress returns host:port for the listener
func (c *Configuration) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Listener.BindAddress, c.Listener.Port)
}

// AdminAddress returns host:port for the admin server
func (c *Configuration) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.Admin.Address, c.Admin.Port)
}

// DefaultAwaitTimeout returns the configured await timeout
func (c *Configuration) DefaultAwaitTimeout() time.Duration {
	return time.Duration(c.Await.DefaultTimeoutMS) * time.Millisecond
}

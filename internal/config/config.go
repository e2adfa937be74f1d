package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "dmecoord.yml"

// Config models dmecoord.yml.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Server  struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Webhooks struct {
		Interval        Duration `yaml:"interval"`
		Timeout         Duration `yaml:"timeout"`
		SignatureHeader string   `yaml:"signature_header"`
	} `yaml:"webhooks"`
	Compliance struct {
		Enabled       bool     `yaml:"enabled"`
		Interval      Duration `yaml:"interval"`
		LookaheadDays int      `yaml:"lookahead_days"`
		LockTTL       Duration `yaml:"lock_ttl"`
	} `yaml:"compliance"`
	Stream struct {
		QueueSize int      `yaml:"queue_size"`
		Heartbeat Duration `yaml:"heartbeat"`
	} `yaml:"stream"`
	Sinks     Sinks   `yaml:"sinks"`
	Archive   Archive `yaml:"archive"`
	Redis     Redis   `yaml:"redis"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

type Sinks struct {
	Patterns []string `yaml:"patterns"`
	Kafka    struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         byte   `yaml:"qos"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
	} `yaml:"mqtt"`
	Influx struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influx"`
}

type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseTLS    bool   `yaml:"use_tls"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether enough settings exist to reach MinIO.
func (a Archive) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Duration accepts Go duration strings ("15m") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config.data_dir is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Webhooks.Interval < 0 || c.Webhooks.Timeout < 0 {
		return fmt.Errorf("config.webhooks intervals must not be negative")
	}
	if c.Compliance.Interval < 0 || c.Compliance.LockTTL < 0 {
		return fmt.Errorf("config.compliance intervals must not be negative")
	}
	if c.Compliance.Interval > 0 && c.Compliance.LockTTL > c.Compliance.Interval {
		return fmt.Errorf("config.compliance.lock_ttl must not exceed the interval")
	}
	if c.Compliance.LookaheadDays < 0 {
		return fmt.Errorf("config.compliance.lookahead_days must not be negative")
	}
	if c.Stream.QueueSize < 0 {
		return fmt.Errorf("config.stream.queue_size must not be negative")
	}
	if len(c.Sinks.Kafka.Brokers) > 0 && c.Sinks.Kafka.Topic == "" {
		return fmt.Errorf("config.sinks.kafka.topic is required when brokers are set")
	}
	if c.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("config.sinks.mqtt.qos must be 0, 1 or 2")
	}
	influx := c.Sinks.Influx
	if influx.URL != "" && (influx.Org == "" || influx.Bucket == "") {
		return fmt.Errorf("config.sinks.influx requires org and bucket when url is set")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("config.archive.bucket is required when endpoint is set")
	}
	for _, p := range c.Sinks.Patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.sinks.patterns contains an empty pattern")
		}
	}
	return nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Webhooks.Interval == 0 {
		c.Webhooks.Interval = Duration(5 * time.Second)
	}
	if c.Webhooks.Timeout == 0 {
		c.Webhooks.Timeout = Duration(5 * time.Second)
	}
	if c.Webhooks.SignatureHeader == "" {
		c.Webhooks.SignatureHeader = "X-DME-Signature"
	}
	if c.Compliance.Interval == 0 {
		c.Compliance.Interval = Duration(15 * time.Minute)
	}
	if c.Compliance.LookaheadDays == 0 {
		c.Compliance.LookaheadDays = 7
	}
	if c.Compliance.LockTTL == 0 {
		c.Compliance.LockTTL = Duration(10 * time.Minute)
	}
	if c.Stream.QueueSize == 0 {
		c.Stream.QueueSize = 100
	}
	if c.Stream.Heartbeat == 0 {
		c.Stream.Heartbeat = Duration(15 * time.Second)
	}
	if len(c.Sinks.Patterns) == 0 {
		c.Sinks.Patterns = []string{"*"}
	}
	if c.Sinks.MQTT.TopicPrefix == "" {
		c.Sinks.MQTT.TopicPrefix = "dmecoord"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "events"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dmecoord"
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config with DataDir resolved under workspace.
func Default(workspace string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	cfg.DataDir = resolveDataDir(workspace, cfg.DataDir)
	return &cfg
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = resolveDataDir(workspace, cfg.DataDir)
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = resolveDataDir(filepath.Dir(path), cfg.DataDir)
	return cfg, nil
}

func resolveDataDir(workspace, dataDir string) string {
	if filepath.IsAbs(dataDir) {
		return dataDir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dataDir)
}

const defaultTemplate = `data_dir: data

server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  dev_login: false

webhooks:
  interval: 5s
  timeout: 5s
  signature_header: X-DME-Signature

compliance:
  enabled: true
  interval: 15m
  lookahead_days: 7
  lock_ttl: 10m

stream:
  queue_size: 100
  heartbeat: 15s

sinks:
  patterns: ["*"]
  kafka:
    brokers: []
    topic: dme.events
  mqtt:
    broker: ""
    topic_prefix: dmecoord
    qos: 1
  influx:
    url: ""
    org: ""
    bucket: ""

archive:
  endpoint: ""
  bucket: dme-audit
  prefix: events

redis:
  addr: ""

telemetry:
  enabled: false
  service_name: dmecoord
`

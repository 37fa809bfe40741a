// Package config loads the YAML configuration of the livedoc host.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration
type Config struct {
	Database     DatabaseConfig      `yaml:"database"`
	Listen       ListenConfig        `yaml:"listen"`
	Proxy        ProxyConfig         `yaml:"proxy"`
	Log          LogConfig           `yaml:"log"`
	Replications []ReplicationConfig `yaml:"replications"`
}

// DatabaseConfig selects the database and where it is kept
type DatabaseConfig struct {
	Name string `yaml:"name"`
	// Namespace is appended to the name, e.g. a per-run suffix in
	// development to start from an empty database
	Namespace string `yaml:"namespace"`
	DataDir   string `yaml:"dataDir"`
	InMemory  bool   `yaml:"inMemory"`
}

// ListenConfig is where the storage proxy accepts clients
type ListenConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

type ProxyConfig struct {
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	Workers            int           `yaml:"workers"`
	SubscriptionBuffer int           `yaml:"subscriptionBuffer"`
	StatsInterval      time.Duration `yaml:"statsInterval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ReplicationConfig describes one replication of a collection
type ReplicationConfig struct {
	ReplicationIdentifier string           `yaml:"replicationIdentifier"`
	Collection            string           `yaml:"collection"`
	StreamName            string           `yaml:"streamName"`
	SubjectPrefix         string           `yaml:"subjectPrefix"`
	Connection            ConnectionConfig `yaml:"connection"`
	Live                  bool             `yaml:"live"`
	Pull                  PullConfig       `yaml:"pull"`
	Push                  PushConfig       `yaml:"push"`
	Retry                 RetryConfig      `yaml:"retry"`
}

// ConnectionConfig of the remote. The endpoint scheme selects the remote:
// nats:// for JetStream, badger://<dir> or mem:// for a local stream.
type ConnectionConfig struct {
	Endpoint           string            `yaml:"endpoint"`
	Credentials        CredentialsConfig `yaml:"credentials"`
	Reconnect          ReconnectConfig   `yaml:"reconnect"`
	WaitOnFirstConnect bool              `yaml:"waitOnFirstConnect"`
	Timeout            time.Duration     `yaml:"timeout"`
}

type CredentialsConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

type ReconnectConfig struct {
	// MaxAttempts -1 means unlimited
	MaxAttempts int           `yaml:"maxAttempts"`
	Wait        time.Duration `yaml:"wait"`
}

type PullConfig struct {
	BatchSize int           `yaml:"batchSize"`
	Interval  time.Duration `yaml:"interval"`
}

type PushConfig struct {
	BatchSize int `yaml:"batchSize"`
}

type RetryConfig struct {
	// MaxAttempts -1 means unlimited
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Name:     "heroesdb",
			DataDir:  "./data",
			InMemory: true,
		},
		Listen: ListenConfig{
			Network: "tcp",
			Address: "127.0.0.1:7420",
		},
		Proxy: ProxyConfig{
			RequestTimeout: 10 * time.Second,
			Workers:        64,
			StatsInterval:  time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultReplication returns a replication with every tunable set
func DefaultReplication() ReplicationConfig {
	return ReplicationConfig{
		Live: true,
		Connection: ConnectionConfig{
			Reconnect: ReconnectConfig{MaxAttempts: -1, Wait: 2 * time.Second},
			Timeout:   5 * time.Second,
		},
		Pull:  PullConfig{BatchSize: 30, Interval: time.Second},
		Push:  PushConfig{BatchSize: 30},
		Retry: RetryConfig{MaxAttempts: -1, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Fields
// missing from a replication take the values of DefaultReplication.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	var raw struct {
		Replications []yaml.Node `yaml:"replications"`
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var replications []ReplicationConfig
	for i := range raw.Replications {
		r := DefaultReplication()
		if err := raw.Replications[i].Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to parse replication %d: %w", i, err)
		}
		replications = append(replications, r)
	}
	cfg.Replications = replications

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Name == "" {
		errs = append(errs, errors.New("database.name is required"))
	}
	if !c.Database.InMemory && c.Database.DataDir == "" {
		errs = append(errs, errors.New("database.dataDir is required unless database.inMemory is set"))
	}
	switch c.Listen.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("listen.network %q is not one of tcp, tcp4, tcp6, unix", c.Listen.Network))
	}
	if c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}
	if c.Proxy.Workers < 0 {
		errs = append(errs, errors.New("proxy.workers must not be negative"))
	}
	if c.Proxy.SubscriptionBuffer < 0 {
		errs = append(errs, errors.New("proxy.subscriptionBuffer must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	seen := make(map[string]bool)
	for i := range c.Replications {
		r := &c.Replications[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("replications[%d]: %w", i, err))
			continue
		}
		if seen[r.ReplicationIdentifier] {
			errs = append(errs, fmt.Errorf("replications[%d]: duplicate replicationIdentifier %q", i, r.ReplicationIdentifier))
		}
		seen[r.ReplicationIdentifier] = true
	}

	return errors.Join(errs...)
}

// Validate checks one replication
func (r *ReplicationConfig) Validate() error {
	var errs []error

	if r.ReplicationIdentifier == "" {
		errs = append(errs, errors.New("replicationIdentifier is required"))
	}
	if r.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if r.StreamName == "" {
		errs = append(errs, errors.New("streamName is required"))
	}
	if r.SubjectPrefix == "" || strings.ContainsAny(r.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("invalid subjectPrefix %q", r.SubjectPrefix))
	}
	switch r.Scheme() {
	case "nats", "tls", "badger", "mem":
	default:
		errs = append(errs, fmt.Errorf("unsupported connection.endpoint %q", r.Connection.Endpoint))
	}
	if r.Pull.BatchSize <= 0 || r.Push.BatchSize <= 0 {
		errs = append(errs, errors.New("pull.batchSize and push.batchSize must be positive"))
	}
	if r.Retry.MaxAttempts < -1 || r.Connection.Reconnect.MaxAttempts < -1 {
		errs = append(errs, errors.New("maxAttempts must be -1 or more"))
	}
	if r.Retry.MaxBackoff < r.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry.maxBackoff must not be below retry.initialBackoff"))
	}

	return errors.Join(errs...)
}

// Scheme returns the scheme of the connection endpoint
func (r *ReplicationConfig) Scheme() string {
	scheme, _, ok := strings.Cut(r.Connection.Endpoint, "://")
	if !ok {
		return ""
	}
	return scheme
}

// Package config loads the flowguard configuration
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nshruti113/flowguard/internal/classifier"
	"github.com/nshruti113/flowguard/internal/detection"
	"github.com/nshruti113/flowguard/internal/models"
)

// Config is the full configuration shared by the server and the agent
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Policy      PolicyConfig      `yaml:"policy"`
	Rules       detection.Rules   `yaml:"rules"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Agent       AgentConfig       `yaml:"agent"`
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

type StoreConfig struct {
	Kind  string      `yaml:"kind"` // redis | memory
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	FlowRetention time.Duration `yaml:"flow_retention"` // flows and alerts
}

// PolicyConfig seeds the detection policy when the store has none
type PolicyConfig struct {
	Threshold        float64 `yaml:"threshold"`
	BlockDurationSec int     `yaml:"block_duration_sec"`
	BlockingEnabled  bool    `yaml:"blocking_enabled"`
}

type ClassifierConfig struct {
	Kind     string                   `yaml:"kind"` // logistic | http
	URL      string                   `yaml:"url"`
	Timeout  time.Duration            `yaml:"timeout"`
	Logistic classifier.LogisticModel `yaml:"logistic"`
}

type EnforcementConfig struct {
	// UseRealBlocking selects Backend; otherwise blocks are only logged
	UseRealBlocking bool   `yaml:"use_real_blocking"`
	Backend         string `yaml:"backend"` // iptables | blackhole
}

type SchedulerConfig struct {
	Reconcile string `yaml:"reconcile"`
}

type AgentConfig struct {
	Window      time.Duration `yaml:"window"`
	Step        time.Duration `yaml:"step"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Speed       float64       `yaml:"speed"`
	APIURL      string        `yaml:"api_url"`
	Batch       int           `yaml:"batch"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	Insecure    bool          `yaml:"insecure"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen: ":8888",
		},
		Store: StoreConfig{
			Kind: "redis",
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				FlowRetention: 24 * time.Hour,
			},
		},
		Policy: PolicyConfig{
			Threshold:        0.7,
			BlockDurationSec: 600,
			BlockingEnabled:  true,
		},
		Rules: detection.DefaultRules(),
		Classifier: ClassifierConfig{
			Kind:     "logistic",
			Timeout:  2 * time.Second,
			Logistic: classifier.DefaultLogisticModel(),
		},
		Enforcement: EnforcementConfig{
			Backend: "iptables",
		},
		Scheduler: SchedulerConfig{
			Reconcile: "@every 30s",
		},
		Agent: AgentConfig{
			Window:      5 * time.Second,
			Step:        time.Second,
			IdleTimeout: 60 * time.Second,
			Speed:       1,
			APIURL:      "http://127.0.0.1:8888/detect",
			Batch:       1,
			Workers:     4,
			QueueSize:   256,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := lookup("ADMIN_API_KEY"); ok {
		c.Server.AdminAPIKey = v
	}
	if v, ok := lookup("FLOWGUARD_LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup("MODEL_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MODEL_THRESHOLD %q: %w", v, err)
		}
		c.Policy.Threshold = f
	}
	if v, ok := lookup("BLOCK_DURATION_SEC"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BLOCK_DURATION_SEC %q: %w", v, err)
		}
		c.Policy.BlockDurationSec = n
	}
	if v, ok := lookup("USE_REAL_BLOCKING"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			c.Enforcement.UseRealBlocking = true
		default:
			c.Enforcement.UseRealBlocking = false
		}
	}
	return nil
}

// Validate rejects values the components cannot run with
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Policy.Threshold < 0 || c.Policy.Threshold > 1 {
		return fmt.Errorf("policy.threshold must be between 0 and 1, got %v", c.Policy.Threshold)
	}
	if c.Policy.BlockDurationSec <= 0 {
		return fmt.Errorf("policy.block_duration_sec must be positive, got %d", c.Policy.BlockDurationSec)
	}

	switch c.Store.Kind {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}

	switch c.Classifier.Kind {
	case "logistic":
	case "http":
		if c.Classifier.URL == "" {
			return errors.New("classifier.url is required for the http classifier")
		}
	default:
		return fmt.Errorf("unknown classifier.kind %q", c.Classifier.Kind)
	}

	if c.Agent.Window <= 0 || c.Agent.Step <= 0 {
		return errors.New("agent.window and agent.step must be positive")
	}
	if c.Agent.Speed <= 0 {
		return errors.New("agent.speed must be positive")
	}
	return nil
}

// EnforcementBackend is the backend name to build, "mock" unless real
// blocking is on
func (c *Config) EnforcementBackend() string {
	if !c.Enforcement.UseRealBlocking {
		return "mock"
	}
	return c.Enforcement.Backend
}

// PolicyDefaults converts the policy section into the seed policy document
func (c *Config) PolicyDefaults() models.PolicyConfig {
	return models.PolicyConfig{
		Threshold:        c.Policy.Threshold,
		BlockDurationSec: c.Policy.BlockDurationSec,
		BlockingEnabled:  c.Policy.BlockingEnabled,
	}
}

// NewClassifier builds the configured classifier
func (c *Config) NewClassifier() classifier.Classifier {
	if c.Classifier.Kind == "http" {
		return classifier.NewHTTPModel(c.Classifier.URL, c.Classifier.Timeout)
	}
	return c.Classifier.Logistic
}

// SetupLogging applies the configured level to the global logger
func SetupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/dvm"
)

// Provider configures the provider-side orchestrator. The secret key may be
// supplied via the DVM_PROVIDER_SECRET_KEY environment variable instead of
// the file.
type Provider struct {
	SecretKey               string            `yaml:"secretKey"`
	SupportedKinds          []int             `yaml:"supportedKinds"`
	Pricing                 dvm.PricingPolicy `yaml:"pricing"`
	Workers                 int               `yaml:"workers"`
	PaymentPollIntervalSecs int64             `yaml:"paymentPollIntervalSecs"`
	PaymentTimeoutSecs      int64             `yaml:"paymentTimeoutSecs"`
}

// Inference configures the local compute backend.
type Inference struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Wallet configures the Lightning payment backend. With Mock set, an
// in-memory invoicer is used and every invoice stays pending.
type Wallet struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
	Mock   bool   `yaml:"mock"`
}

type Config struct {
	Relays         []string `yaml:"relays"`
	QueryTimeoutMs int      `yaml:"queryTimeoutMs"`
	Database       struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Provider    Provider   `yaml:"provider"`
	Inference   Inference  `yaml:"inference"`
	Wallet      Wallet     `yaml:"wallet"`
	Logger      log.Config `yaml:"logger"`
	AdminListen string     `yaml:"adminListen"`
}

func defaults() *Config {
	c := &Config{
		Relays:         []string{"wss://relay.damus.io", "wss://nos.lol"},
		QueryTimeoutMs: 5000,
		Provider: Provider{
			SupportedKinds:          []int{5100},
			Pricing:                 dvm.PricingPolicy{Mode: dvm.PricingFixed},
			Workers:                 4,
			PaymentPollIntervalSecs: 5,
			PaymentTimeoutSecs:      600,
		},
		Inference: Inference{
			URL:   "http://localhost:11434",
			Model: "llama3",
		},
		Logger: log.Config{
			Format: "text",
			Level:  "info",
		},
		AdminListen: ":3080",
	}
	c.Database.Path = "dvm-history.db"
	return c
}

// Load builds the configuration from defaults, an optional yaml file and
// environment overrides. There is no package-level singleton; callers own
// the returned value.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "read config file")
			}
		} else if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	if key := os.Getenv("DVM_PROVIDER_SECRET_KEY"); key != "" {
		cfg.Provider.SecretKey = key
	}
	return cfg, nil
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

func (p *Provider) PaymentPollInterval() time.Duration {
	return time.Duration(p.PaymentPollIntervalSecs) * time.Second
}

func (p *Provider) PaymentTimeout() time.Duration {
	return time.Duration(p.PaymentTimeoutSecs) * time.Second
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/receipt-verifier/internal/crypto"
	"github.com/davidahmann/receipt-verifier/internal/ledger"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultListenAddr = ":8080"
	DefaultRedisURI   = "redis://127.0.0.1:6379/0"
	DefaultTTLSeconds = 300
)

type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Receipts   ReceiptsConfig `yaml:"receipts"`
	Store      StoreConfig    `yaml:"store"`
	SPSP       SPSPConfig     `yaml:"spsp"`
	Balances   BalancesConfig `yaml:"balances"`
	Log        LogConfig      `yaml:"log"`
}

type ReceiptsConfig struct {
	// Seed is the base64 (or hex) 32-byte receipt seed. SeedFile is read
	// when Seed is empty. With neither set a random seed is generated.
	Seed       string `yaml:"seed"`
	SeedFile   string `yaml:"seed_file"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	Expiry     string `yaml:"expiry"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// URI is required for the SQL drivers. Redis falls back to
	// DefaultRedisURI.
	URI string `yaml:"uri"`
	// PurgeIntervalSeconds controls the expired-row sweep of SQL stores.
	PurgeIntervalSeconds int `yaml:"purge_interval_seconds"`
}

type SPSPConfig struct {
	Endpoint     string `yaml:"endpoint"`
	EndpointsURL string `yaml:"endpoints_url"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type BalancesConfig struct {
	Token string `yaml:"token"`
}

type LogConfig struct {
	Development bool `yaml:"development"`
}

// Default is the configuration used when no file is given. The ledger
// lives in a local Redis; the memory driver has to be asked for.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Receipts:   ReceiptsConfig{TTLSeconds: DefaultTTLSeconds, Expiry: string(ledger.ExpiryStore)},
		Store:      StoreConfig{Driver: DriverRedis, PurgeIntervalSeconds: 60},
	}
}

// ResolvedURI is the store address to dial.
func (s StoreConfig) ResolvedURI() string {
	if s.URI == "" && s.Driver == DriverRedis {
		return DefaultRedisURI
	}
	return s.URI
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables. getenv is
// os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	if port := getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Receipts.Seed, "RECEIPT_SEED")
	setString(&c.Receipts.Expiry, "RECEIPT_EXPIRY")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.URI, "STORE_URI", "REDIS_URI")
	setString(&c.SPSP.Endpoint, "SPSP_ENDPOINT")
	setString(&c.SPSP.EndpointsURL, "SPSP_ENDPOINTS_URL")
	setString(&c.Balances.Token, "BALANCES_TOKEN")

	if v := getenv("RECEIPT_TTL"); v != "" {
		ttl, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("RECEIPT_TTL must be an integer number of seconds: %q", v)
		}
		c.Receipts.TTLSeconds = ttl
	}
	// A Redis URI without an explicit driver selects Redis.
	if getenv("STORE_DRIVER") == "" && getenv("REDIS_URI") != "" {
		c.Store.Driver = DriverRedis
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Receipts.Seed != "" {
		if _, err := crypto.DecodeSeed(c.Receipts.Seed); err != nil {
			return fmt.Errorf("receipts.seed: %w", err)
		}
	}
	if c.Receipts.TTLSeconds <= 0 {
		return fmt.Errorf("receipts.ttl_seconds must be positive")
	}
	if !ledger.ExpiryPolicy(c.Receipts.Expiry).Valid() {
		return fmt.Errorf("receipts.expiry must be %q or %q", ledger.ExpiryStore, ledger.ExpiryStreamStart)
	}

	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Store.URI == "" {
			return fmt.Errorf("store.uri is required when store.driver=%s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.SPSP.Endpoint != "" && c.SPSP.EndpointsURL != "" {
		return fmt.Errorf("spsp.endpoint and spsp.endpoints_url are mutually exclusive")
	}
	if c.SPSP.MaxBodyBytes < 0 {
		return fmt.Errorf("spsp.max_body_bytes must not be negative")
	}
	return nil
}

// TTL is the receipt lifetime.
func (c Config) TTL() time.Duration {
	return time.Duration(c.Receipts.TTLSeconds) * time.Second
}

// LoadSeed returns the configured receipt seed. generated is true when
// none was configured and a random one was made; receipts minted under it
// will not survive a restart.
func (c Config) LoadSeed() (seed []byte, generated bool, err error) {
	switch {
	case c.Receipts.Seed != "":
		seed, err = crypto.DecodeSeed(c.Receipts.Seed)
	case c.Receipts.SeedFile != "":
		seed, err = crypto.LoadSeedFile(c.Receipts.SeedFile)
	default:
		seed, err = crypto.RandomSeed()
		generated = true
	}
	return seed, generated, err
}

// Package config loads chunkledger configuration.
//
// Files may be written in CUE (.cue) or YAML (.yaml, .yml). Either form is
// unified with the embedded schema, which rejects unknown fields, bad enum
// values and malformed durations, and the result is laid over Default().
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/chunkledger/internal/retry"
)

// EnvPath names the environment variable consulted when no path is given.
const EnvPath = "CHUNKLEDGER_CONFIG"

//go:embed schema.cue
var schemaSource []byte

// Config is the full service configuration.
type Config struct {
	Database     string             `json:"database"`
	HTTP         HTTPConfig         `json:"http"`
	Log          LogConfig          `json:"log"`
	ContentStore ContentStoreConfig `json:"content_store"`
	Cache        CacheConfig        `json:"cache"`
	Ledger       LedgerConfig       `json:"ledger"`
	Events       EventsConfig       `json:"events"`
	Ingest       IngestConfig       `json:"ingest"`
	Verify       VerifyConfig       `json:"verify"`
	PollInterval Duration           `json:"poll_interval"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// ContentStoreConfig selects the content-addressed store backend.
type ContentStoreConfig struct {
	Kind           string   `json:"kind"`
	Dir            string   `json:"dir"`
	PropagationLag Duration `json:"propagation_lag"`
	S3             S3Config `json:"s3"`

	// Gateway is the public base url content can be fetched from. Media
	// listings link to it when set.
	Gateway string `json:"gateway"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// CacheConfig enables the Redis existence cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string   `json:"redis_addr"`
	TTL       Duration `json:"ttl"`
}

// LedgerConfig selects the ledger database. An empty DSN puts the ledger
// next to the main database.
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig enables Kafka publishing when brokers are listed.
type EventsConfig struct {
	KafkaBrokers []string `json:"kafka_brokers"`
	Topic        string   `json:"topic"`
}

type IngestConfig struct {
	Upload      RetryConfig `json:"upload"`
	Commit      RetryConfig `json:"commit"`
	MaxInFlight int         `json:"max_in_flight"`
}

type VerifyConfig struct {
	Store         RetryConfig `json:"store"`
	LedgerTimeout Duration    `json:"ledger_timeout"`
}

// RetryConfig is the file form of a retry.Policy.
type RetryConfig struct {
	Attempts    int      `json:"attempts"`
	BaseDelay   Duration `json:"base_delay"`
	MaxDelay    Duration `json:"max_delay"`
	CallTimeout Duration `json:"call_timeout"`
}

// Policy converts to a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Attempts:    r.Attempts,
		BaseDelay:   time.Duration(r.BaseDelay),
		MaxDelay:    time.Duration(r.MaxDelay),
		CallTimeout: time.Duration(r.CallTimeout),
	}
}

func retryConfig(p retry.Policy) RetryConfig {
	return RetryConfig{
		Attempts:    p.Attempts,
		BaseDelay:   Duration(p.BaseDelay),
		MaxDelay:    Duration(p.MaxDelay),
		CallTimeout: Duration(p.CallTimeout),
	}
}

// Default returns the built-in configuration: a local SQLite database,
// in-memory content store and no external brokers.
func Default() Config {
	return Config{
		Database: "chunkledger.db",
		HTTP:     HTTPConfig{Addr: ":8080"},
		Log:      LogConfig{Level: "info"},
		ContentStore: ContentStoreConfig{
			Kind: "memory",
		},
		Cache:  CacheConfig{TTL: Duration(10 * time.Minute)},
		Ledger: LedgerConfig{Driver: "sqlite3"},
		Events: EventsConfig{Topic: "chunkledger.chunks"},
		Ingest: IngestConfig{
			Upload:      retryConfig(retry.DefaultPolicy),
			Commit:      retryConfig(retry.DefaultPolicy),
			MaxInFlight: 8,
		},
		Verify: VerifyConfig{
			Store:         retryConfig(retry.DefaultPolicy),
			LedgerTimeout: Duration(5 * time.Second),
		},
		PollInterval: Duration(2 * time.Second),
	}
}

// Resolve loads the file at path, or at $CHUNKLEDGER_CONFIG when path is
// empty. With neither set it returns Default().
func Resolve(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return Parse(data, FormatCUE, path)
	case ".yaml", ".yml":
		return Parse(data, FormatYAML, path)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q (want .cue, .yaml or .yml)", path, ext)
	}
}

// Format is a configuration file syntax.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
)

// Parse validates data against the schema and lays it over Default().
// name is used in error positions.
func Parse(data []byte, format Format, name string) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	var v cue.Value
	switch format {
	case FormatCUE:
		v = ctx.CompileBytes(data, cue.Filename(name))
	case FormatYAML:
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", name, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		v = ctx.Encode(doc)
	default:
		return Config{}, fmt.Errorf("unknown config format %q", format)
	}
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", name, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", name, err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, fmt.Errorf("encode config %s: %w", name, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", name, err)
	}
	return cfg, nil
}

// Validate checks constraints that span fields.
func (c Config) Validate() error {
	switch c.ContentStore.Kind {
	case "dir":
		if c.ContentStore.Dir == "" {
			return fmt.Errorf("content_store.dir is required for kind dir")
		}
	case "s3":
		if c.ContentStore.S3.Endpoint == "" || c.ContentStore.S3.Bucket == "" {
			return fmt.Errorf("content_store.s3.endpoint and bucket are required for kind s3")
		}
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn is required for driver postgres")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when kafka_brokers is set")
	}
	for name, p := range map[string]RetryConfig{
		"ingest.upload": c.Ingest.Upload,
		"ingest.commit": c.Ingest.Commit,
		"verify.store":  c.Verify.Store,
	} {
		if err := p.Policy().Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// LedgerDSN returns the ledger DSN, defaulting to a sibling of the main
// database for sqlite3.
func (c Config) LedgerDSN() string {
	if c.Ledger.DSN != "" {
		return c.Ledger.DSN
	}
	ext := filepath.Ext(c.Database)
	return strings.TrimSuffix(c.Database, ext) + "-ledger" + ext
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

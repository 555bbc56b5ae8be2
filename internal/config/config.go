// Package config resolves run settings from defaults, an optional YAML file, a .env file
// and environment variables. Command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/store"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/schema"
)

type Config struct {
	Collect Collect `yaml:"collect"`
	Harvest Harvest `yaml:"harvest"`
	Gemini  Gemini  `yaml:"gemini"`
	Sinks   Sinks   `yaml:"sinks"`
	Log     Log     `yaml:"log"`
}

type Collect struct {
	Query  string `yaml:"query"`
	URL    string `yaml:"url"`
	Output string `yaml:"output"`
	Limit  int    `yaml:"limit"`
	Resume bool   `yaml:"resume"`
	// Details opens each listing's place page to fill a missing website or phone.
	Details bool `yaml:"details"`

	Headless   bool   `yaml:"headless"`
	ChromePath string `yaml:"chrome_path"`
	UserAgent  string `yaml:"user_agent"`

	MaxNavAttempts  int           `yaml:"max_nav_attempts"`
	MaxStallRetries int           `yaml:"max_stall_retries"`
	ScrollPause     time.Duration `yaml:"scroll_pause"`
	StallWait       time.Duration `yaml:"stall_wait"`
	Settle          time.Duration `yaml:"settle"`
	NavTimeout      time.Duration `yaml:"nav_timeout"`
	DetailTimeout   time.Duration `yaml:"detail_timeout"`
	// Timeout bounds the whole collection. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
}

type Harvest struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Resume bool   `yaml:"resume"`

	Concurrency    int           `yaml:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// GlobalTimeout bounds the whole harvest. Zero disables it.
	GlobalTimeout time.Duration `yaml:"global_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"`
	UserAgent     string        `yaml:"user_agent"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`

	VerifyMX  bool          `yaml:"verify_mx"`
	Resolvers []string      `yaml:"resolvers"`
	MXTimeout time.Duration `yaml:"mx_timeout"`
	// Fallback asks Gemini for obfuscated addresses on pages where the pattern finds none.
	Fallback bool `yaml:"fallback"`
}

type Gemini struct {
	// APIKey is only read from the environment.
	APIKey  string        `yaml:"-"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Sinks struct {
	Kinds    []string `yaml:"kinds"`
	MySQL    MySQL    `yaml:"mysql"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
}

type MySQL struct {
	DSN   string `yaml:"-"`
	Table string `yaml:"table"`
}

type Postgres struct {
	DSN        string `yaml:"-"`
	Schema     string `yaml:"schema"`
	Table      string `yaml:"table"`
	MaxConns   int    `yaml:"max_conns"`
	ViaBouncer bool   `yaml:"via_bouncer"`
}

type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Collect: Collect{
			Output:          "gmaps_data.csv",
			Headless:        true,
			MaxNavAttempts:  3,
			MaxStallRetries: 3,
			ScrollPause:     time.Second,
			StallWait:       3 * time.Second,
			Settle:          time.Second,
			NavTimeout:      60 * time.Second,
			DetailTimeout:   25 * time.Second,
		},
		Harvest: Harvest{
			Input:          "gmaps_data.csv",
			Output:         "gmaps_data_with_emails.csv",
			Concurrency:    10,
			RequestTimeout: 10 * time.Second,
			MaxRetries:     1,
			MaxBodyBytes:   2 << 20,
			MXTimeout:      3 * time.Second,
		},
		Gemini: Gemini{
			Timeout: 30 * time.Second,
		},
		Sinks: Sinks{
			MySQL:    MySQL{Table: "listings"},
			Postgres: Postgres{Schema: "public", Table: "listings", MaxConns: 2},
			NATS:     NATS{URL: "nats://127.0.0.1:4222", Subject: "leads.enriched"},
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load returns Default overlaid with the YAML file at path (if any), then with dotenv
// files (if present), then with environment variables.
func Load(path string, dotenv ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadDotEnv(dotenv...); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads each existing file into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays settings from environment variables.
func (c *Config) ApplyEnv() error {
	var err error
	str := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	str(&c.Collect.Query, "QUERY")
	str(&c.Collect.URL, "MAPS_URL")
	str(&c.Collect.Output, "LISTINGS_FILE")
	str(&c.Collect.ChromePath, "CHROME_PATH")
	str(&c.Collect.UserAgent, "USER_AGENT")
	str(&c.Harvest.Input, "LISTINGS_FILE")
	str(&c.Harvest.Output, "ENRICHED_FILE")
	str(&c.Harvest.UserAgent, "USER_AGENT")
	str(&c.Gemini.APIKey, "GEMINI_API_KEY")
	str(&c.Gemini.Model, "GEMINI_MODEL")
	str(&c.Gemini.BaseURL, "GEMINI_BASE_URL")
	str(&c.Sinks.MySQL.DSN, "MYSQL_DSN")
	str(&c.Sinks.MySQL.Table, "MYSQL_TABLE")
	str(&c.Sinks.Postgres.DSN, "PG_DSN")
	str(&c.Sinks.Postgres.Schema, "PG_SCHEMA")
	str(&c.Sinks.Postgres.Table, "PG_TABLE")
	str(&c.Sinks.NATS.URL, "NATS_URL")
	str(&c.Sinks.NATS.Subject, "NATS_SUBJECT")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	if v := strings.TrimSpace(os.Getenv("SINKS")); v != "" {
		c.Sinks.Kinds = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("MX_RESOLVERS")); v != "" {
		c.Harvest.Resolvers = strings.Split(v, ",")
	}
	if c.Sinks.MySQL.DSN == "" && os.Getenv("DB_HOST") != "" {
		c.Sinks.MySQL.DSN = store.MySQLDSN(os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_HOST"), os.Getenv("DB_NAME"))
	}

	if c.Collect.Limit, err = envInt("RESULT_LIMIT", c.Collect.Limit); err != nil {
		return err
	}
	if c.Collect.Headless, err = envBool("HEADLESS", c.Collect.Headless); err != nil {
		return err
	}
	if c.Collect.Details, err = envBool("DETAILS", c.Collect.Details); err != nil {
		return err
	}
	if c.Collect.MaxNavAttempts, err = envInt("MAX_NAV_ATTEMPTS", c.Collect.MaxNavAttempts); err != nil {
		return err
	}
	if c.Collect.MaxStallRetries, err = envInt("MAX_STALL_RETRIES", c.Collect.MaxStallRetries); err != nil {
		return err
	}
	if c.Collect.ScrollPause, err = envDuration("SCROLL_PAUSE", c.Collect.ScrollPause); err != nil {
		return err
	}
	if c.Collect.Timeout, err = envDuration("COLLECT_TIMEOUT", c.Collect.Timeout); err != nil {
		return err
	}
	if c.Harvest.Concurrency, err = envInt("CONCURRENCY", c.Harvest.Concurrency); err != nil {
		return err
	}
	if c.Harvest.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Harvest.RequestTimeout); err != nil {
		return err
	}
	if c.Harvest.GlobalTimeout, err = envDuration("GLOBAL_TIMEOUT", c.Harvest.GlobalTimeout); err != nil {
		return err
	}
	if c.Harvest.MaxRetries, err = envInt("MAX_RETRIES", c.Harvest.MaxRetries); err != nil {
		return err
	}
	if c.Harvest.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Harvest.RateLimitRPS); err != nil {
		return err
	}
	if c.Harvest.VerifyMX, err = envBool("VERIFY_MX", c.Harvest.VerifyMX); err != nil {
		return err
	}
	if c.Harvest.Fallback, err = envBool("GEMINI_FALLBACK", c.Harvest.Fallback); err != nil {
		return err
	}
	if c.Sinks.Postgres.MaxConns, err = envInt("PG_MAX_CONNS", c.Sinks.Postgres.MaxConns); err != nil {
		return err
	}
	if c.Sinks.Postgres.ViaBouncer, err = envBool("PG_VIA_BOUNCER", c.Sinks.Postgres.ViaBouncer); err != nil {
		return err
	}
	return nil
}

// Target returns the map URL to open: the direct URL, or a search URL built by search.
func (c Collect) Target(search func(query string) string) string {
	if u := strings.TrimSpace(c.URL); u != "" {
		return u
	}
	return search(c.Query)
}

// SinkKinds returns the normalized extra sinks. CSV is always written and is not listed.
func (c Sinks) SinkKinds() ([]schema.SinkKind, error) {
	kinds, err := schema.NormalizeSinks(c.Kinds)
	if err != nil {
		return nil, err
	}
	out := kinds[:0]
	for _, k := range kinds {
		if k != schema.SinkCSV {
			out = append(out, k)
		}
	}
	return out, nil
}

// ValidateCollect checks the settings used by the collect stage.
func (c Config) ValidateCollect() error {
	var errs []error
	q, u := strings.TrimSpace(c.Collect.Query), strings.TrimSpace(c.Collect.URL)
	switch {
	case q == "" && u == "":
		errs = append(errs, errors.New("one of query or url is required"))
	case q != "" && u != "":
		errs = append(errs, errors.New("query and url are mutually exclusive"))
	case u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://"):
		errs = append(errs, fmt.Errorf("url %q must be absolute http(s)", u))
	}
	if strings.TrimSpace(c.Collect.Output) == "" {
		errs = append(errs, errors.New("listings output path is required"))
	}
	if c.Collect.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit must be >= 0, got %d", c.Collect.Limit))
	}
	if c.Collect.MaxNavAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_nav_attempts must be >= 1, got %d", c.Collect.MaxNavAttempts))
	}
	if c.Collect.MaxStallRetries < 1 {
		errs = append(errs, fmt.Errorf("max_stall_retries must be >= 1, got %d", c.Collect.MaxStallRetries))
	}
	errs = append(errs, c.validateLog()...)
	return errors.Join(errs...)
}

// ValidateHarvest checks the settings used by the harvest stage and the extra sinks.
func (c Config) ValidateHarvest() error {
	var errs []error
	if strings.TrimSpace(c.Harvest.Input) == "" || strings.TrimSpace(c.Harvest.Output) == "" {
		errs = append(errs, errors.New("harvest input and output paths are required"))
	}
	if c.Harvest.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Harvest.Concurrency))
	}
	if c.Harvest.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be > 0, got %s", c.Harvest.RequestTimeout))
	}
	if c.Harvest.GlobalTimeout < 0 || c.Harvest.MaxRetries < 0 || c.Harvest.RateLimitRPS < 0 {
		errs = append(errs, errors.New("global_timeout, max_retries and rate_limit_rps must not be negative"))
	}
	if c.Harvest.Fallback {
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when the Gemini fallback is enabled"))
		}
		if strings.TrimSpace(c.Gemini.Model) == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required when the Gemini fallback is enabled"))
		}
	}

	kinds, err := c.Sinks.SinkKinds()
	if err != nil {
		errs = append(errs, err)
	}
	for _, k := range kinds {
		switch k {
		case schema.SinkMySQL:
			if c.Sinks.MySQL.DSN == "" {
				errs = append(errs, errors.New("MYSQL_DSN (or DB_HOST/DB_USER/DB_PASSWORD/DB_NAME) is required for the mysql sink"))
			}
		case schema.SinkPostgres:
			if c.Sinks.Postgres.DSN == "" {
				errs = append(errs, errors.New("PG_DSN is required for the postgres sink"))
			}
		case schema.SinkNATS:
			if c.Sinks.NATS.URL == "" || c.Sinks.NATS.Subject == "" {
				errs = append(errs, errors.New("nats url and subject are required for the nats sink"))
			}
		}
	}
	errs = append(errs, c.validateLog()...)
	return errors.Join(errs...)
}

func (c Config) validateLog() []error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errs
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

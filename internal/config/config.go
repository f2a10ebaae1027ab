// Package config loads service configuration from a JSON config file,
// environment variables, and CLI overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	DBURL          string `env:"DATABASE_URL" json:"db_url"`
	WorkingDirpath string `env:"WORKING_DIR" json:"working_dirpath"`

	Logging Logging `json:"logging"`
	HTTP    HTTP    `json:"http"`
	Import  Import  `json:"import"`
	Archive Archive `json:"archive"`
}

// Logging configures the process logger.
type Logging struct {
	Enabled bool   `env:"LOG_ENABLED" envDefault:"true" json:"enabled"`
	Level   string `env:"LOG_LEVEL" envDefault:"info" json:"level"`
	Format  string `env:"LOG_FORMAT" envDefault:"json" json:"format"`
	Dirpath string `env:"LOG_DIR" json:"dirpath"`
	History int    `env:"LOG_HISTORY" envDefault:"31" json:"history"`
}

// HTTP configures the API server.
type HTTP struct {
	Addr         string   `env:"HTTP_ADDR" envDefault:":8080" json:"addr"`
	ReadTimeout  Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s" json:"read_timeout"`
	WriteTimeout Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s" json:"write_timeout"`
	IdleTimeout  Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s" json:"idle_timeout"`
}

// Import configures the CSV drop-directory importer. An empty watch dir
// disables it.
type Import struct {
	WatchDirpath string `env:"IMPORT_WATCH_DIR" json:"watch_dirpath"`
}

// Archive configures the daily CSV archive exporter. An empty backend
// disables it.
type Archive struct {
	Backend     string `env:"ARCHIVE_BACKEND" json:"backend"`
	Dirpath     string `env:"ARCHIVE_DIR" json:"dirpath"`
	Bucket      string `env:"ARCHIVE_S3_BUCKET" json:"bucket"`
	Prefix      string `env:"ARCHIVE_S3_PREFIX" json:"prefix"`
	Endpoint    string `env:"ARCHIVE_S3_ENDPOINT" json:"endpoint"`
	Region      string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1" json:"region"`
	AccessKey   string `env:"ARCHIVE_S3_ACCESS_KEY" json:"access_key"`
	SecretKey   string `env:"ARCHIVE_S3_SECRET_KEY" json:"secret_key"`
	BucketWidth string `env:"ARCHIVE_BUCKET_WIDTH" envDefault:"1 hour" json:"bucket_width"`
	Aggregation string `env:"ARCHIVE_AGGREGATION" envDefault:"avg" json:"aggregation"`
	Timezone    string `env:"ARCHIVE_TIMEZONE" envDefault:"UTC" json:"timezone"`
}

// Overrides holds CLI flag values that take priority over the config file
// and environment variables.
type Overrides struct {
	EnvFile        string
	ConfigFile     string
	DBURL          string
	WorkingDirpath string
	HTTPAddr       string
	LogLevel       string
	Verbose        bool
}

// Load reads configuration from the optional .env file, environment
// variables, the JSON config file, and CLI overrides.
// Priority: CLI flags > config file > environment > struct defaults.
func Load(o Overrides) (*Config, error) {
	envFile := o.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if o.ConfigFile != "" {
		if err := overlayFile(cfg, o.ConfigFile); err != nil {
			return nil, err
		}
	}

	if o.DBURL != "" {
		cfg.DBURL = o.DBURL
	}
	if o.WorkingDirpath != "" {
		cfg.WorkingDirpath = o.WorkingDirpath
	}
	if o.HTTPAddr != "" {
		cfg.HTTP.Addr = o.HTTPAddr
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile merges the JSON config file over cfg. Only keys present in the
// file are touched.
func overlayFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the invariants startup depends on.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return errors.New("db_url is required")
	}
	if c.WorkingDirpath == "" {
		return errors.New("working_dirpath is required")
	}
	if err := checkWritableDir(c.WorkingDirpath); err != nil {
		return fmt.Errorf("working_dirpath: %w", err)
	}

	switch c.Archive.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("archive.backend %q: unknown backend", c.Archive.Backend)
	}
	if c.Archive.Backend == "local" && c.Archive.Dirpath == "" {
		return errors.New("archive.dirpath is required for the local backend")
	}
	if c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required for the s3 backend")
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Duration is a time.Duration that parses Go duration strings from both env
// values and the JSON config file.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the standard library form.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

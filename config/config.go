package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tgvmax_archiver/models"
)

type Config struct {
	Dataset   models.Dataset
	Scheduler SchedulerConfig
	Fetch     FetchConfig
	Publish   PublishConfig
	Server    ServerConfig
	Log       LogConfig
	DataDir   string
	DBPath    string
	PublicDir string
	RunsDB    string
	RunsPGURL string
}

type SchedulerConfig struct {
	Interval        time.Duration
	Cron            string
	FreshnessWindow time.Duration
	CommandPoll     time.Duration
}

type FetchConfig struct {
	Timeout  time.Duration
	ProxyURL string
}

type PublishConfig struct {
	Interval time.Duration
	S3       S3Config
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type ServerConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./.data")

	cfg := &Config{
		Dataset: models.TGVMax(),
		Scheduler: SchedulerConfig{
			Interval:        getEnvDuration("REFRESH_INTERVAL", time.Hour),
			Cron:            os.Getenv("REFRESH_CRON"),
			FreshnessWindow: getEnvDuration("FRESHNESS_WINDOW", time.Hour),
			CommandPoll:     getEnvDuration("COMMAND_POLL_INTERVAL", 2*time.Second),
		},
		Fetch: FetchConfig{
			Timeout:  getEnvDuration("FETCH_TIMEOUT", 0),
			ProxyURL: os.Getenv("HTTP_PROXY_URL"),
		},
		Publish: PublishConfig{
			Interval: getEnvDuration("PUBLISH_INTERVAL", 15*time.Minute),
			S3: S3Config{
				Bucket:          os.Getenv("S3_BUCKET"),
				Region:          getEnv("S3_REGION", "us-east-1"),
				Endpoint:        os.Getenv("S3_ENDPOINT"),
				AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
				Prefix:          getEnv("S3_PREFIX", "tgvmax"),
			},
		},
		Server: ServerConfig{
			Addr: os.Getenv("SERVE_ADDR"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
			File:   getEnv("LOG_FILE", "refresh.log"),
		},
		DataDir:   dataDir,
		DBPath:    getEnv("DB_PATH", filepath.Join(dataDir, "db.duckdb")),
		PublicDir: getEnv("PUBLIC_DIR", filepath.Join(dataDir, "public")),
		RunsDB:    getEnv("RUNS_DB_PATH", filepath.Join(dataDir, "runs.db")),
		RunsPGURL: os.Getenv("RUNS_PG_URL"),
	}

	if path := os.Getenv("DATASET_CONFIG"); path != "" {
		if err := cfg.loadDataset(path); err != nil {
			return nil, err
		}
	}
	if url := os.Getenv("TGVMAX_EXPORT_URL"); url != "" {
		cfg.Dataset.SourceURL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDataset overlays a YAML dataset definition on the built-in one.
// Fields left out of the file keep their defaults.
func (c *Config) loadDataset(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dataset config: %w", err)
	}

	ds := c.Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return fmt.Errorf("parse dataset config %s: %w", path, err)
	}
	c.Dataset = ds
	return nil
}

func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("REFRESH_INTERVAL must be positive when REFRESH_CRON is unset")
	}
	if c.Scheduler.FreshnessWindow < 0 {
		return fmt.Errorf("FRESHNESS_WINDOW must not be negative")
	}
	ds := c.Dataset
	if ds.Table == "" || ds.TimestampColumn == "" || ds.LatestView == "" {
		return fmt.Errorf("dataset %q: table, latest_view and timestamp_column are required", ds.Name)
	}
	if len(ds.NaturalKey) == 0 || len(ds.LatestGroup) == 0 {
		return fmt.Errorf("dataset %q: natural_key and latest_group must not be empty", ds.Name)
	}
	if ds.SourceURL == "" {
		return fmt.Errorf("dataset %q: source_url is required", ds.Name)
	}
	return nil
}

// IncrementalDir is where the per-capture-date partitions live.
func (c *Config) IncrementalDir() string {
	return filepath.Join(c.PublicDir, "incremental")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90m") or plain seconds ("3600").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs := getEnvInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-level settings loaded from environment variables.
// Per-source definitions live in the sources yaml file (see LoadSources).
type Config struct {
	// Database
	PostgresDSN string

	// Object storage (S3 compatible)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Config files
	SourcesPath    string
	CategoriesPath string

	// Polling and rate limiting defaults, overridable per source
	PollInterval         time.Duration
	MaxRequestsPerMinute int
	DelayBetweenRequests time.Duration
	MaxRetries           int
	RequestTimeout       time.Duration

	// Lifecycle
	ShutdownGrace time.Duration
	RetentionDays int // 0 disables the retention janitor
}

func Load() (*Config, error) {
	cfg := &Config{
		PostgresDSN:          getEnvOrDefault("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=news_db port=5432 sslmode=disable"),
		S3Endpoint:           getEnvOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3Bucket:             getEnvOrDefault("S3_BUCKET", "news-images"),
		S3AccessKey:          getEnvOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:          getEnvOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Region:             getEnvOrDefault("S3_REGION", "us-east-1"),
		SourcesPath:          getEnvOrDefault("SOURCES_CONFIG_PATH", "configs/sources.yaml"),
		CategoriesPath:       getEnvOrDefault("CATEGORIES_CONFIG_PATH", "configs/categories.yaml"),
		PollInterval:         getEnvDurationOrDefault("POLL_INTERVAL", 5*time.Minute),
		MaxRequestsPerMinute: getEnvIntOrDefault("MAX_REQUESTS_PER_MINUTE", 60),
		DelayBetweenRequests: getEnvDurationOrDefault("DELAY_BETWEEN_REQUESTS", time.Second),
		MaxRetries:           getEnvIntOrDefault("MAX_RETRIES", 3),
		RequestTimeout:       getEnvDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGrace:        getEnvDurationOrDefault("SHUTDOWN_GRACE", 10*time.Second),
		RetentionDays:        getEnvIntOrDefault("RETENTION_DAYS", 0),
	}

	if os.Getenv("S3_USE_SSL") == "true" {
		cfg.S3UseSSL = true
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// Duration unmarshals yaml strings like "5m" or "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ListingRules describes how to pull items out of an HTML listing page.
type ListingRules struct {
	Item     string `yaml:"item"`     // selector for one listing entry
	Link     string `yaml:"link"`     // selector for the anchor inside an entry
	Title    string `yaml:"title"`    // optional, defaults to the anchor text
	Date     string `yaml:"date"`     // optional
	Category string `yaml:"category"` // optional
}

// Source describes one news source.
type Source struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"` // "rss" or "html"
	FeedURL    string `yaml:"feed_url"`
	ListingURL string `yaml:"listing_url"`
	Language   string `yaml:"language"`
	Enabled    bool   `yaml:"enabled"`

	PollInterval         Duration `yaml:"poll_interval"`
	MaxRequestsPerMinute int      `yaml:"max_requests_per_minute"`
	DelayBetweenRequests Duration `yaml:"delay_between_requests"`
	MaxRetries           int      `yaml:"max_retries"`

	// Ordered fallback selectors for the article body. The generic semantic
	// containers are always tried first; these extend the list per source.
	ArticleSelectors []string `yaml:"article_selectors"`

	Listing ListingRules `yaml:"listing"`

	// Opaque headers handed in by whoever owns credentials (e.g. bearer
	// tokens for wire-service APIs). Sent verbatim on every request.
	Headers map[string]string `yaml:"headers"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the per-source definitions and applies process defaults
// to any field a source leaves unset.
func LoadSources(path string, defaults *Config) ([]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file sourcesFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("no sources defined in %s", path)
	}

	seen := make(map[string]bool, len(file.Sources))
	for i := range file.Sources {
		s := &file.Sources[i]
		if s.Name == "" {
			return nil, fmt.Errorf("source %d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case "rss":
			if s.FeedURL == "" {
				return nil, fmt.Errorf("source %q: rss type requires feed_url", s.Name)
			}
		case "html":
			if s.ListingURL == "" {
				return nil, fmt.Errorf("source %q: html type requires listing_url", s.Name)
			}
			if s.Listing.Item == "" || s.Listing.Link == "" {
				return nil, fmt.Errorf("source %q: html type requires listing.item and listing.link", s.Name)
			}
		default:
			return nil, fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}

		if s.PollInterval == 0 {
			s.PollInterval = Duration(defaults.PollInterval)
		}
		if s.MaxRequestsPerMinute == 0 {
			s.MaxRequestsPerMinute = defaults.MaxRequestsPerMinute
		}
		if s.DelayBetweenRequests == 0 {
			s.DelayBetweenRequests = Duration(defaults.DelayBetweenRequests)
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = defaults.MaxRetries
		}
		if s.Language == "" {
			s.Language = "fa"
		}
	}

	return file.Sources, nil
}

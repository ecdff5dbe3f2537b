package zimi

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime configuration for zimi.
type Config struct {
	ArchiveDir string
	DataDir    string

	ManageEnabled  bool
	ManagePassword string

	AutoUpdate     bool
	AutoUpdateFreq string // daily, weekly, monthly

	RateLimit int // requests/min/IP; 0 disables
	Port      int

	CatalogURL             string
	ArchiveRefreshInterval time.Duration
	SearchTimeout          time.Duration

	HTTPReadHeaderTimeout time.Duration
	HTTPIdleTimeout       time.Duration
	HTTPMaxHeaderBytes    int
	HTTPWriteTimeout      time.Duration
	HTTPReadTimeout       time.Duration
}

type envLookup func(key string) (string, bool)

// LoadConfig loads configuration from environment variables.
//
// This is the production entry point for loading configuration. It reads all
// configuration values from the process environment using os.LookupEnv.
// For testing, use parseConfigFromMap instead to provide explicit test values
// without relying on environment variables.
//
// Returns an error if any value is invalid (bad duration, bad integer, or an
// unknown auto-update frequency). All values have defaults if not set.
func LoadConfig() (Config, error) {
	return parseConfigFromLookup(os.LookupEnv)
}

func parseConfigFromMap(env map[string]string) (Config, error) {
	return parseConfigFromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func parseConfigFromLookup(lookup envLookup) (Config, error) {
	cfg := Config{
		ArchiveDir:             "/zims",
		ManageEnabled:          true,
		AutoUpdateFreq:         "weekly",
		RateLimit:              60,
		Port:                   8899,
		CatalogURL:             "https://library.kiwix.org/catalog/v2/entries",
		ArchiveRefreshInterval: 5 * time.Minute,
		SearchTimeout:          12 * time.Second,
		HTTPReadHeaderTimeout:  5 * time.Second,
		HTTPIdleTimeout:        60 * time.Second,
		HTTPMaxHeaderBytes:     8192,
		HTTPWriteTimeout:       0,
		HTTPReadTimeout:        0,
	}

	if v, ok := lookup("ZIMI_ARCHIVE_DIR"); ok && v != "" {
		cfg.ArchiveDir = v
	}

	cfg.DataDir = filepath.Join(cfg.ArchiveDir, ".zimi")
	if v, ok := lookup("ZIMI_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}

	if v, ok := lookup("ZIMI_MANAGE_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_MANAGE_ENABLED: %w", err)
		}
		cfg.ManageEnabled = b
	}

	if v, ok := lookup("ZIMI_MANAGE_PASSWORD"); ok {
		cfg.ManagePassword = v
	}

	if v, ok := lookup("ZIMI_AUTO_UPDATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_AUTO_UPDATE: %w", err)
		}
		cfg.AutoUpdate = b
	}

	if v, ok := lookup("ZIMI_AUTO_UPDATE_FREQ"); ok && v != "" {
		switch v {
		case "daily", "weekly", "monthly":
			cfg.AutoUpdateFreq = v
		default:
			return Config{}, fmt.Errorf("ZIMI_AUTO_UPDATE_FREQ: must be daily, weekly or monthly, got %q", v)
		}
	}

	if v, ok := lookup("ZIMI_RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_RATE_LIMIT: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("ZIMI_RATE_LIMIT: must be >= 0")
		}
		cfg.RateLimit = n
	}

	if v, ok := lookup("ZIMI_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_PORT: %w", err)
		}
		if n <= 0 || n > 65535 {
			return Config{}, fmt.Errorf("ZIMI_PORT: must be in 1..65535")
		}
		cfg.Port = n
	}

	if v, ok := lookup("ZIMI_CATALOG_URL"); ok && v != "" {
		cfg.CatalogURL = v
	}

	if v, ok := lookup("ZIMI_ARCHIVE_REFRESH_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_ARCHIVE_REFRESH_INTERVAL: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("ZIMI_ARCHIVE_REFRESH_INTERVAL: must be > 0")
		}
		cfg.ArchiveRefreshInterval = d
	}

	if v, ok := lookup("ZIMI_SEARCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_SEARCH_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("ZIMI_SEARCH_TIMEOUT: must be > 0")
		}
		cfg.SearchTimeout = d
	}

	if v, ok := lookup("ZIMI_HTTP_READ_HEADER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_HTTP_READ_HEADER_TIMEOUT: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("ZIMI_HTTP_READ_HEADER_TIMEOUT: must be >= 0")
		}
		cfg.HTTPReadHeaderTimeout = d
	}

	if v, ok := lookup("ZIMI_HTTP_IDLE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_HTTP_IDLE_TIMEOUT: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("ZIMI_HTTP_IDLE_TIMEOUT: must be >= 0")
		}
		cfg.HTTPIdleTimeout = d
	}

	if v, ok := lookup("ZIMI_HTTP_MAX_HEADER_BYTES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_HTTP_MAX_HEADER_BYTES: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("ZIMI_HTTP_MAX_HEADER_BYTES: must be > 0")
		}
		cfg.HTTPMaxHeaderBytes = n
	}

	if v, ok := lookup("ZIMI_HTTP_WRITE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_HTTP_WRITE_TIMEOUT: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("ZIMI_HTTP_WRITE_TIMEOUT: must be >= 0")
		}
		cfg.HTTPWriteTimeout = d
	}

	if v, ok := lookup("ZIMI_HTTP_READ_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ZIMI_HTTP_READ_TIMEOUT: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("ZIMI_HTTP_READ_TIMEOUT: must be >= 0")
		}
		cfg.HTTPReadTimeout = d
	}

	return cfg, nil
}

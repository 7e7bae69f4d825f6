package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults and
// environment only.
//
// The loading sequence is:
//  1. Parse YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
// The deployment variables SOLR_URL, SOLR_USERNAME, SOLR_PASSWORD and
// DOWNLOAD_CONTAINER_NAME are honored; everything else uses the format
// SLUICE_SECTION_FIELD. SLUICE_ variables win when both are set.
func applyEnvOverrides(cfg *Config) {
	// Deployment variables
	setString(&cfg.Solr.URL, "SOLR_URL")
	setString(&cfg.Solr.Username, "SOLR_USERNAME")
	setString(&cfg.Solr.Password, "SOLR_PASSWORD")
	setString(&cfg.Storage.Bucket, "DOWNLOAD_CONTAINER_NAME")

	// Solr overrides
	setString(&cfg.Solr.URL, "SLUICE_SOLR_URL")
	setString(&cfg.Solr.Username, "SLUICE_SOLR_USERNAME")
	setString(&cfg.Solr.Password, "SLUICE_SOLR_PASSWORD")
	setDuration(&cfg.Solr.Timeout, "SLUICE_SOLR_TIMEOUT")

	// Storage overrides
	setString(&cfg.Storage.Backend, "SLUICE_STORAGE_BACKEND")
	setString(&cfg.Storage.Path, "SLUICE_STORAGE_PATH")
	setString(&cfg.Storage.Bucket, "SLUICE_STORAGE_BUCKET")
	setString(&cfg.Storage.Prefix, "SLUICE_STORAGE_PREFIX")
	setString(&cfg.Storage.Region, "SLUICE_STORAGE_REGION")
	setString(&cfg.Storage.Endpoint, "SLUICE_STORAGE_ENDPOINT")
	setBool(&cfg.Storage.UsePathStyle, "SLUICE_STORAGE_USE_PATH_STYLE")
	setString(&cfg.Storage.AccessKeyID, "SLUICE_STORAGE_ACCESS_KEY_ID")
	setString(&cfg.Storage.SecretAccessKey, "SLUICE_STORAGE_SECRET_ACCESS_KEY")
	setDuration(&cfg.Storage.PresignExpiry, "SLUICE_STORAGE_PRESIGN_EXPIRY")

	// Export overrides
	setInt(&cfg.Export.PageSize, "SLUICE_EXPORT_PAGE_SIZE")
	setString(&cfg.Export.Pagination, "SLUICE_EXPORT_PAGINATION")
	setInt(&cfg.Export.MaxChunkSize, "SLUICE_EXPORT_MAX_CHUNK_SIZE")
	setInt(&cfg.Export.CellCap, "SLUICE_EXPORT_CELL_CAP")
	setString(&cfg.Export.Compression, "SLUICE_EXPORT_COMPRESSION")
	setString(&cfg.Export.NamePrefix, "SLUICE_EXPORT_NAME_PREFIX")
	setBool(&cfg.Export.AbortOnFailure, "SLUICE_EXPORT_ABORT_ON_FAILURE")

	// Server overrides
	setString(&cfg.Server.ListenAddress, "SLUICE_SERVER_LISTEN_ADDRESS")
	setDuration(&cfg.Server.ReadTimeout, "SLUICE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SLUICE_SERVER_WRITE_TIMEOUT")
	setBool(&cfg.Server.WatchConfig, "SLUICE_SERVER_WATCH_CONFIG")

	// History overrides
	setString(&cfg.History.Path, "SLUICE_HISTORY_PATH")

	// Logging overrides
	setString(&cfg.Logging.Level, "SLUICE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "SLUICE_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// Package config loads sluice configuration from YAML with environment
// overrides.
package config

import (
	"time"

	"github.com/justapithecus/sluice/internal/schedule"
	"github.com/justapithecus/sluice/sluice"
)

// Storage backends.
const (
	BackendS3     = "s3"
	BackendFS     = "fs"
	BackendMemory = "memory"
)

// Config is the root configuration.
type Config struct {
	Solr    SolrConfig    `yaml:"solr"`
	Storage StorageConfig `yaml:"storage"`
	Export  ExportConfig  `yaml:"export"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	History HistoryConfig `yaml:"history"`

	// Schedules are recurring exports run by the server.
	Schedules []schedule.Job `yaml:"schedules"`
}

// SolrConfig configures the search backend.
type SolrConfig struct {
	// URL is the Solr root that request queries are appended to.
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the export destination.
type StorageConfig struct {
	// Backend is one of "s3", "fs" or "memory".
	Backend string `yaml:"backend"`

	// Path is the root directory for the fs backend.
	Path string `yaml:"path"`

	// Bucket and Prefix locate objects for the s3 backend.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// PresignExpiry, when positive, makes S3 locators presigned URLs.
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

// ExportConfig tunes the export pipeline.
type ExportConfig struct {
	PageSize       int            `yaml:"page_size"`
	Pagination     string         `yaml:"pagination"`
	MaxChunkSize   int            `yaml:"max_chunk_size"`
	CellCap        int            `yaml:"cell_cap"`
	HoldLimit      int            `yaml:"hold_limit"`
	Compression    string         `yaml:"compression"`
	DefaultSort    string         `yaml:"default_sort"`
	NamePrefix     string         `yaml:"name_prefix"`
	AbortOnFailure bool           `yaml:"abort_on_failure"`
	RawXMLField    string         `yaml:"raw_xml_field"`
	XMLRoot        sluice.XMLRoot `yaml:"xml_root"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	MetricsPath   string        `yaml:"metrics_path"`

	// WatchConfig reloads export settings when the config file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// HistoryConfig configures the export ledger.
type HistoryConfig struct {
	// Path is the SQLite database path. Empty disables the ledger.
	Path string `yaml:"path"`
}

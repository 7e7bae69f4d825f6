package config

import (
	"time"

	"github.com/justapithecus/sluice/sluice"
)

// Default values applied by ApplyDefaults.
const (
	DefaultBackend       = BackendS3
	DefaultRegion        = "us-east-1"
	DefaultSolrTimeout   = 5 * time.Minute
	DefaultListenAddress = ":8080"
	DefaultReadTimeout   = 30 * time.Second
	DefaultMaxBodyBytes  = 1 << 20
	DefaultMetricsPath   = "/metrics"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Solr.Timeout == 0 {
		cfg.Solr.Timeout = DefaultSolrTimeout
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultBackend
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = DefaultRegion
	}

	applyExportDefaults(&cfg.Export)

	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = DefaultMetricsPath
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}

// applyExportDefaults leaves MaxChunkSize at zero so the exporter can pick
// a size within the destination's bounds.
func applyExportDefaults(cfg *ExportConfig) {
	if cfg.PageSize == 0 {
		cfg.PageSize = sluice.DefaultPageSize
	}
	if cfg.Pagination == "" {
		cfg.Pagination = string(sluice.PaginateOffset)
	}
	if cfg.CellCap == 0 {
		cfg.CellCap = sluice.DefaultCellCap
	}
	if cfg.HoldLimit == 0 {
		cfg.HoldLimit = sluice.DefaultHoldLimit
	}
	if cfg.Compression == "" {
		cfg.Compression = "none"
	}
	if cfg.DefaultSort == "" {
		cfg.DefaultSort = sluice.DefaultSort
	}
	if cfg.RawXMLField == "" {
		cfg.RawXMLField = sluice.DefaultRawXMLField
	}
	if cfg.XMLRoot.Name == "" {
		cfg.XMLRoot = sluice.DefaultXMLRoot
	}
}

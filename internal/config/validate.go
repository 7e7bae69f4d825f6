package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/justapithecus/sluice/internal/schedule"
	"github.com/justapithecus/sluice/sluice"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "solr.url").
	Field string

	// Message is a human-readable error message.
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate checks cfg and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	var errs []FieldError
	errs = append(errs, validateSolr(&cfg.Solr)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateExport(&cfg.Export)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateSchedules(cfg.Schedules)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateSolr(cfg *SolrConfig) []FieldError {
	var errs []FieldError
	if cfg.URL == "" {
		errs = append(errs, FieldError{Field: "solr.url", Message: "is required"})
	} else if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, FieldError{Field: "solr.url", Message: "must be an absolute URL"})
	} else if !strings.HasSuffix(cfg.URL, "/") {
		errs = append(errs, FieldError{Field: "solr.url", Message: "must end with /"})
	}
	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{Field: "solr.timeout", Message: "must not be negative"})
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case BackendS3:
		if cfg.Bucket == "" {
			errs = append(errs, FieldError{Field: "storage.bucket", Message: "is required for the s3 backend"})
		}
		if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
			errs = append(errs, FieldError{Field: "storage.access_key_id", Message: "access key id and secret must be set together"})
		}
	case BackendFS:
		if cfg.Path == "" {
			errs = append(errs, FieldError{Field: "storage.path", Message: "is required for the fs backend"})
		}
	case BackendMemory:
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("must be one of %s, %s, %s", BackendS3, BackendFS, BackendMemory),
		})
	}
	return errs
}

func validateExport(cfg *ExportConfig) []FieldError {
	var errs []FieldError
	if cfg.PageSize <= 0 {
		errs = append(errs, FieldError{Field: "export.page_size", Message: "must be positive"})
	}
	switch sluice.PaginationStrategy(cfg.Pagination) {
	case sluice.PaginateOffset, sluice.PaginateCursor:
	default:
		errs = append(errs, FieldError{Field: "export.pagination", Message: "must be offset or cursor"})
	}
	if cfg.MaxChunkSize < 0 {
		errs = append(errs, FieldError{Field: "export.max_chunk_size", Message: "must not be negative"})
	}
	if cfg.CellCap <= 0 {
		errs = append(errs, FieldError{Field: "export.cell_cap", Message: "must be positive"})
	}
	if cfg.HoldLimit <= 0 {
		errs = append(errs, FieldError{Field: "export.hold_limit", Message: "must be positive"})
	}
	if _, err := sluice.NewCompressor(cfg.Compression); err != nil {
		errs = append(errs, FieldError{Field: "export.compression", Message: err.Error()})
	}
	return errs
}

func validateLogging(cfg *LoggingConfig) []FieldError {
	var errs []FieldError
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{Field: "logging.level", Message: "must be debug, info, warn or error"})
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		errs = append(errs, FieldError{Field: "logging.format", Message: "must be json or text"})
	}
	return errs
}

func validateSchedules(jobs []schedule.Job) []FieldError {
	var errs []FieldError
	seen := make(map[string]bool, len(jobs))
	for i, job := range jobs {
		field := fmt.Sprintf("schedules[%d]", i)
		if job.Name == "" {
			errs = append(errs, FieldError{Field: field + ".name", Message: "is required"})
		} else if seen[job.Name] {
			errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate job name %q", job.Name)})
		}
		seen[job.Name] = true
		if err := job.Validate(); err != nil {
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
		}
	}
	return errs
}

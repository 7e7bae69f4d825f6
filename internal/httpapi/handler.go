// Package httpapi serves export requests over HTTP.
//
// POST /download accepts {"query": "...", "format": "..."} and runs one
// export synchronously, answering with the object's name and locator.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/sluice/internal/history"
	"github.com/justapithecus/sluice/sluice"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runner runs one export. *sluice.Exporter satisfies it.
type Runner interface {
	Run(ctx context.Context, req sluice.ExportRequest) (sluice.ExportResult, error)
}

// History reads the export ledger. *history.Store satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, name string) (history.Entry, error)
}

// Options configures the handler.
type Options struct {
	// Logger receives request logs. Default: discard.
	Logger *slog.Logger

	// MaxBodyBytes bounds request bodies. Default: 1 MiB.
	MaxBodyBytes int64

	// Metrics, if set, is served at MetricsPath.
	Metrics     http.Handler
	MetricsPath string

	// History, if set, is served at GET /downloads and
	// GET /downloads/{name}.
	History History
}

// DownloadRequest is the body of POST /download.
type DownloadRequest struct {
	Query  *string  `json:"query"`
	Format *string  `json:"format"`
	Fields []string `json:"fields,omitempty"`
	Sort   string   `json:"sort,omitempty"`
}

// DownloadResponse is the body of a successful POST /download.
type DownloadResponse struct {
	Req         DownloadRequest `json:"req"`
	NumFound    int64           `json:"numFound"`
	FileName    string          `json:"fileName"`
	URL         string          `json:"url"`
	RecordCount int64           `json:"recordCount"`
	ByteCount   int64           `json:"byteCount"`
	Pages       int             `json:"pages"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	runner  Runner
	history History
	logger  *slog.Logger
	maxBody int64
}

// NewHandler returns the HTTP surface for runner.
func NewHandler(runner Runner, opts Options) http.Handler {
	h := &handler{
		runner:  runner,
		history: opts.History,
		logger:  opts.Logger,
		maxBody: opts.MaxBodyBytes,
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /download", h.download)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if h.history != nil {
		mux.HandleFunc("GET /downloads", h.listDownloads)
		mux.HandleFunc("GET /downloads/{name...}", h.getDownload)
	}
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.Metrics)
	}
	return mux
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unreadable body"})
		return
	}

	req, status, msg := parseDownload(body)
	if status != http.StatusOK {
		writeJSON(w, status, ErrorResponse{Error: msg})
		return
	}

	format, err := sluice.ParseFormat(*req.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: publicMessage(err)})
		return
	}

	result, err := h.runner.Run(r.Context(), sluice.ExportRequest{
		Query:    *req.Query,
		Format:   format,
		SortHint: req.Sort,
		Fields:   req.Fields,
	})
	if err != nil {
		if errors.Is(err, sluice.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: publicMessage(err)})
			return
		}
		h.logger.Error("download failed", "format", format, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, DownloadResponse{
		Req:         req,
		NumFound:    result.TotalRecords,
		FileName:    result.Name,
		URL:         result.Locator,
		RecordCount: result.RecordCount,
		ByteCount:   result.ByteCount,
		Pages:       result.Pages,
	})
}

func (h *handler) listDownloads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "history unavailable"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) getDownload(w http.ResponseWriter, r *http.Request) {
	entry, err := h.history.Get(r.Context(), r.PathValue("name"))
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found"})
		return
	}
	if err != nil {
		h.logger.Error("history lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// parseDownload decodes and checks the presence of required keys.
func parseDownload(body []byte) (DownloadRequest, int, string) {
	var req DownloadRequest
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return req, http.StatusBadRequest, "No body"
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, http.StatusBadRequest, "Body must be a JSON object"
	}
	if req.Query == nil {
		return req, http.StatusBadRequest, `Body must contain a key "query"`
	}
	if req.Format == nil {
		return req, http.StatusBadRequest, `Body must contain a key "format"`
	}
	return req, http.StatusOK, ""
}

// publicMessage strips the stage and sentinel prefixes from a validation
// error.
func publicMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, sluice.ErrInvalidRequest.Error()+": "); i >= 0 {
		return msg[i+len(sluice.ErrInvalidRequest.Error())+2:]
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
